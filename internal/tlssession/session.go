package tlssession

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"

	utls "github.com/refraction-networking/utls"

	"github.com/pia-foss/tunnelkit-go/internal/model"
)

// Session is the TLS handshake engine tunneled through the control
// channel. The zero value is not usable; construct with NewSession.
type Session struct {
	logger model.Logger
	events chan<- model.Event

	conn  *recordConn
	uconn *utls.UConn

	plainToApp   chan []byte
	plainFromApp chan []byte

	handshakeErr chan error
}

// NewSession builds a TLS engine for the given configuration. remoteName
// is used only for SNI / hostname-adjacent logging; certificate validation
// relies on config.CA plus the EKU check below, not on hostname matching,
// since OpenVPN servers are usually reached by IP.
func NewSession(config *model.Config, remoteName string, events chan<- model.Event) (*Session, error) {
	pool := x509.NewCertPool()
	if len(config.CA) > 0 && !pool.AppendCertsFromPEM(config.CA) {
		return nil, fmt.Errorf("tlssession: invalid CA certificate")
	}

	tlsConfig := &tls.Config{
		RootCAs:            pool,
		ServerName:         remoteName,
		InsecureSkipVerify: true, // we do our own verification below
	}
	if len(config.ClientCert) > 0 && len(config.ClientKey) > 0 {
		cert, err := tls.X509KeyPair(config.ClientCert, config.ClientKey)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	s := &Session{
		logger:       config.Logger(),
		events:       events,
		conn:         newRecordConn(),
		plainToApp:   make(chan []byte, 64),
		plainFromApp: make(chan []byte, 64),
		handshakeErr: make(chan error, 1),
	}

	tlsConfig.VerifyPeerCertificate = s.verifyPeerCertificate(pool)

	uTLSConfig := utlsConfigFromStd(tlsConfig)
	s.uconn = utls.UClient(s.conn, uTLSConfig, utls.HelloGolang)
	return s, nil
}

// utlsConfigFromStd copies the fields we set on a crypto/tls.Config onto a
// utls.Config; utls intentionally does not accept crypto/tls.Config
// directly since its fingerprinting hooks live on its own type.
func utlsConfigFromStd(c *tls.Config) *utls.Config {
	return &utls.Config{
		RootCAs:               c.RootCAs,
		ServerName:            c.ServerName,
		Certificates:          utlsCertificatesFromStd(c.Certificates),
		InsecureSkipVerify:    c.InsecureSkipVerify,
		VerifyPeerCertificate: c.VerifyPeerCertificate,
	}
}

// utlsCertificatesFromStd converts crypto/tls.Certificate values to the
// equivalent utls.Certificate, since utls defines its own identical struct
// rather than accepting crypto/tls.Certificate directly.
func utlsCertificatesFromStd(certs []tls.Certificate) []utls.Certificate {
	out := make([]utls.Certificate, len(certs))
	for i, c := range certs {
		out[i] = utls.Certificate{
			Certificate:                  c.Certificate,
			PrivateKey:                   c.PrivateKey,
			SupportedSignatureAlgorithms: convertSignatureSchemes(c.SupportedSignatureAlgorithms),
			OCSPStaple:                   c.OCSPStaple,
			SignedCertificateTimestamps:  c.SignedCertificateTimestamps,
			Leaf:                         c.Leaf,
		}
	}
	return out
}

// convertSignatureSchemes converts crypto/tls.SignatureScheme values to the
// equivalent utls.SignatureScheme; both are identically-valued uint16 enums.
func convertSignatureSchemes(schemes []tls.SignatureScheme) []utls.SignatureScheme {
	out := make([]utls.SignatureScheme, len(schemes))
	for i, s := range schemes {
		out[i] = utls.SignatureScheme(s)
	}
	return out
}

// verifyPeerCertificate builds a crypto/tls VerifyPeerCertificate callback
// that, in addition to standard chain validation against pool, rejects
// certificates lacking the "TLS Web Server Authentication" Extended Key
// Usage. A rejection is posted as an EventPeerVerificationFailed instead
// of logged and swallowed, since this callback cannot safely reach into
// session state directly.
func (s *Session) verifyPeerCertificate(pool *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("%w: no certificate presented", ErrPeerVerificationFailed)
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return err
		}
		intermediates := x509.NewCertPool()
		for _, raw := range rawCerts[1:] {
			if cert, err := x509.ParseCertificate(raw); err == nil {
				intermediates.AddCert(cert)
			}
		}
		opts := x509.VerifyOptions{
			Roots:         pool,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		}
		if _, err := leaf.Verify(opts); err != nil {
			s.postVerificationFailure(err)
			return fmt.Errorf("%w: %s", ErrPeerVerificationFailed, err)
		}
		return nil
	}
}

func (s *Session) postVerificationFailure(reason error) {
	select {
	case s.events <- model.EventPeerVerificationFailed{Reason: reason}:
	default:
	}
}

// Start launches the handshake and the plaintext pump in the background.
// It returns immediately; handshake completion or failure is observed via
// PullPlainText returning data, or via ctx cancellation propagating into
// the handshake and the goroutine exiting with an error logged.
func (s *Session) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Session) run(ctx context.Context) {
	if err := s.uconn.HandshakeContext(ctx); err != nil {
		s.handshakeErr <- err
		s.logger.Warnf("tlssession: handshake failed: %v", err)
		return
	}
	close(s.handshakeErr)

	go func() {
		for {
			select {
			case b, ok := <-s.plainFromApp:
				if !ok {
					return
				}
				if _, err := s.uconn.Write(b); err != nil {
					s.logger.Warnf("tlssession: write error: %v", err)
					return
				}
			case <-s.conn.closed:
				return
			}
		}
	}()

	buf := make([]byte, 1<<14)
	for {
		n, err := s.uconn.Read(buf)
		if err != nil {
			s.logger.Debugf("tlssession: read ended: %v", err)
			return
		}
		cp := append([]byte{}, buf[:n]...)
		select {
		case s.plainToApp <- cp:
		case <-s.conn.closed:
			return
		}
	}
}

// HandshakeError returns a channel that receives the handshake error, if
// any, or is closed with no value once the handshake succeeds.
func (s *Session) HandshakeError() <-chan error {
	return s.handshakeErr
}

// PutCipherText hands a TLS record received over the control channel to
// the TLS engine. Non-blocking: returns ErrWouldBlock if the internal
// queue is full.
func (s *Session) PutCipherText(b []byte) error {
	cp := append([]byte{}, b...)
	select {
	case s.conn.toEngine <- cp:
		return nil
	default:
		return ErrWouldBlock
	}
}

// PullCipherText retrieves a TLS record the engine wants sent over the
// control channel. Non-blocking: returns ErrWouldBlock if none is ready.
func (s *Session) PullCipherText() ([]byte, error) {
	select {
	case b := <-s.conn.fromEngine:
		return b, nil
	default:
		return nil, ErrWouldBlock
	}
}

// PutPlainText queues application data (the key-material blob, push
// requests) to be sent over the TLS connection once established.
// Non-blocking: returns ErrWouldBlock if the internal queue is full.
func (s *Session) PutPlainText(b []byte) error {
	cp := append([]byte{}, b...)
	select {
	case s.plainFromApp <- cp:
		return nil
	default:
		return ErrWouldBlock
	}
}

// PullPlainText retrieves application data the TLS connection has
// decrypted. Non-blocking: returns ErrWouldBlock if none is ready.
func (s *Session) PullPlainText() ([]byte, error) {
	select {
	case b := <-s.plainToApp:
		return b, nil
	default:
		return nil, ErrWouldBlock
	}
}

// Close tears down the session.
func (s *Session) Close() error {
	return s.conn.Close()
}
