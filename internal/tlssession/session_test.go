package tlssession

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/google/martian/mitm"

	"github.com/pia-foss/tunnelkit-go/internal/model"
)

// newTestCA builds a throwaway CA, for use as the trust root in both
// tests below.
func newTestCA(t *testing.T) (*x509.Certificate, *rsa.PrivateKey, []byte) {
	t.Helper()
	caCert, caKey, err := mitm.NewAuthority("tunnelkit-test", "tunnelkit", 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caCert.Raw})
	return caCert, caKey, caPEM
}

// signLeaf signs a leaf certificate under caCert/caKey with the given set
// of Extended Key Usages, so the test can exercise both an accepted
// (ServerAuth) and a rejected (ClientAuth-only) certificate.
func signLeaf(t *testing.T, caCert *x509.Certificate, caKey *rsa.PrivateKey, ekus []x509.ExtKeyUsage) tls.Certificate {
	t.Helper()
	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "vpn.example.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		ExtKeyUsage:  ekus,
		DNSNames:     []string{"vpn.example.test"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		t.Fatal(err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(leafKey)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatal(err)
	}
	return cert
}

// runBareServer runs a plain crypto/tls server handshake over conn and
// reports the outcome on done, so the test can drive a real handshake
// against the client Session without building a full OpenVPN peer.
func runBareServer(conn net.Conn, cert tls.Certificate, done chan<- error) {
	srv := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{cert}})
	if err := srv.Handshake(); err != nil {
		done <- err
		return
	}
	buf := make([]byte, 256)
	n, err := srv.Read(buf)
	if err != nil {
		done <- err
		return
	}
	_, err = srv.Write(buf[:n])
	done <- err
}

// relay pumps ciphertext between a raw net.Conn (the "wire") and a
// Session's non-blocking Put/PullCipherText API (the control channel's
// view), mirroring how the control channel would drive this session.
func relay(ctx context.Context, wire net.Conn, s *Session) {
	go func() {
		buf := make([]byte, 1<<14)
		for {
			n, err := wire.Read(buf)
			if err != nil {
				return
			}
			cp := append([]byte{}, buf[:n]...)
			for s.PutCipherText(cp) == ErrWouldBlock {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Millisecond):
				}
			}
		}
	}()
	go func() {
		for {
			b, err := s.PullCipherText()
			if err == ErrWouldBlock {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Millisecond):
					continue
				}
			}
			if _, err := wire.Write(b); err != nil {
				return
			}
		}
	}()
}

func TestSessionRejectsWrongEKU(t *testing.T) {
	caCert, caKey, caPEM := newTestCA(t)
	// A certificate with only ClientAuth EKU must be rejected: the server
	// leaf must carry TLS Web Server Authentication.
	cert := signLeaf(t, caCert, caKey, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth})

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client, err := NewSession(&model.Config{CA: caPEM}, "vpn.example.test", make(chan model.Event, 1))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	client.Start(ctx)
	relay(ctx, clientConn, client)

	done := make(chan error, 1)
	go runBareServer(serverConn, cert, done)

	select {
	case err := <-client.HandshakeError():
		if err == nil {
			t.Fatal("expected handshake to fail on EKU mismatch")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for handshake result")
	}
}

func TestSessionAcceptsServerAuthEKU(t *testing.T) {
	caCert, caKey, caPEM := newTestCA(t)
	cert := signLeaf(t, caCert, caKey, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth})

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client, err := NewSession(&model.Config{CA: caPEM}, "vpn.example.test", make(chan model.Event, 1))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	client.Start(ctx)
	relay(ctx, clientConn, client)

	done := make(chan error, 1)
	go runBareServer(serverConn, cert, done)

	select {
	case err, ok := <-client.HandshakeError():
		if ok && err != nil {
			t.Fatalf("expected handshake to succeed, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for handshake result")
	}

	payload := []byte("hello over the tunnel")
	if err := client.PutPlainText(payload); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server side failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for server echo")
	}

	deadline := time.After(3 * time.Second)
	for {
		got, err := client.PullPlainText()
		if err == nil {
			if !bytes.Equal(got, payload) {
				t.Fatalf("echo mismatch: got %q want %q", got, payload)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for echoed plaintext")
		case <-time.After(time.Millisecond):
		}
	}
}
