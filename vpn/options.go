package vpn

//
// Options: the subset of an .ovpn client configuration file this engine
// consumes. Directives this engine doesn't act on (routing, DNS,
// platform-specific tun/tap knobs) are accepted and ignored rather than
// rejected, since a real-world .ovpn file routinely carries more than the
// core needs.
//

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pia-foss/tunnelkit-go/internal/crypto"
	"github.com/pia-foss/tunnelkit-go/internal/model"
)

// errBadCfg indicates a malformed configuration directive.
var errBadCfg = errors.New("vpn: bad config option")

// defaultPingTimeout is OpenVPN's --ping-restart default.
const defaultPingTimeout = 60 * time.Second

// defaultNegotiationTimeout matches OpenVPN's --hand-window default: the
// deadline a key has to complete hard-reset/TLS/auth/push before the
// engine gives up on it.
const defaultNegotiationTimeout = 60 * time.Second

// errBadInput indicates a caller passed a nil or otherwise unusable value.
var errBadInput = errors.New("vpn: bad input")

// proto selects the transport this engine dials.
type proto int

const (
	// UDPMode dials UDP, the default and recommended OpenVPN transport.
	UDPMode proto = iota
	// TCPMode dials TCP.
	TCPMode
)

// String implements fmt.Stringer.
func (p proto) String() string {
	switch p {
	case UDPMode:
		return "UDPv4"
	case TCPMode:
		return "TCPv4"
	default:
		return "unknown"
	}
}

// compression names the compression-framing directive as written in an
// .ovpn file, before it's resolved to a [model.CompressionFraming].
type compression string

const (
	compressionEmpty compression = "empty"
	compressionStub  compression = "stub"
	compressionLZONo compression = "lzo-no"
)

func (c compression) framing() model.CompressionFraming {
	switch c {
	case compressionStub:
		return model.CompressionFramingCompressStub
	case compressionLZONo:
		return model.CompressionFramingLZONo
	default:
		return model.CompressionFramingDisabled
	}
}

// Options is the parsed configuration this engine dials and negotiates
// with. The zero value parses an empty file and is not
// usable for Dial without at least Remote/Port set.
type Options struct {
	Remote string
	Port   string
	Proto  proto

	Username string
	Password string

	// Ca/Cert/Key hold inline PEM content (from <ca>...</ca> blocks or a
	// file read from CaPath/CertPath/KeyPath); Ca is required, Cert/Key are
	// both-or-neither.
	Ca   []byte
	Cert []byte
	Key  []byte

	CaPath   string
	CertPath string
	KeyPath  string

	Cipher string
	Auth   string

	Compress compression

	TLSWrap    *model.TLSWrap
	TLSMaxVer  string
	ProxyOBFS4 string

	KeepAliveInterval  time.Duration
	PingTimeout        time.Duration
	RenegotiatesAfter  time.Duration
	NegotiationTimeout time.Duration

	UsesPIAPatches bool

	MTU int

	Log model.Logger
}

// String renders the options this engine would announce in
// IV_OPT/PUSH_REQUEST style, as a comma-joined directive list.
func (o *Options) String() string {
	if o.Cipher == "" {
		return ""
	}
	parts := []string{
		"V1",
		"dev-type tun",
		"link-mtu 1549",
		"tun-mtu 1500",
		"proto " + o.Proto.String(),
		"cipher " + o.Cipher,
		"auth " + o.Auth,
		"keysize 128",
		"key-method 2",
		"tls-client",
	}
	switch o.Compress {
	case compressionStub:
		parts = append(parts, "compress stub")
	case compressionLZONo:
		parts = append(parts, "lzo-comp no")
	}
	return strings.Join(parts, ",")
}

// ParseConfigFile reads and parses an .ovpn-style configuration file.
func ParseConfigFile(path string) (*Options, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", errBadCfg)
	}
	if u, err := url.Parse(path); err == nil && u.Scheme != "" {
		return nil, fmt.Errorf("%w: %s is a URI, not a local file", errBadCfg, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errBadCfg, err)
	}
	lines := strings.Split(string(data), "\n")
	return getOptionsFromLines(lines, baseDir(path))
}

func baseDir(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

// getOptionsFromLines parses the directive lines of an .ovpn file. dir is
// the directory relative filepaths (ca/cert/key) are resolved against.
func getOptionsFromLines(lines []string, dir string) (*Options, error) {
	o := &Options{}
	scanner := bufio.NewScanner(strings.NewReader(strings.Join(lines, "\n")))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "<") {
			tag := strings.Trim(line, "<>")
			if strings.HasPrefix(tag, "/") {
				continue
			}
			block, err := readInlineBlock(scanner, tag)
			if err != nil {
				return nil, err
			}
			switch tag {
			case "ca":
				o.Ca = block
			case "cert":
				o.Cert = block
			case "key":
				o.Key = block
			}
			continue
		}
		fields := strings.Fields(line)
		key, rest := fields[0], fields[1:]
		if err := parseOption(o, dir, key, rest); err != nil {
			return nil, err
		}
	}
	if o.CaPath != "" {
		b, err := os.ReadFile(resolvePath(dir, o.CaPath))
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errBadCfg, err)
		}
		o.Ca = b
	}
	if o.CertPath != "" {
		b, err := os.ReadFile(resolvePath(dir, o.CertPath))
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errBadCfg, err)
		}
		o.Cert = b
	}
	if o.KeyPath != "" {
		b, err := os.ReadFile(resolvePath(dir, o.KeyPath))
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errBadCfg, err)
		}
		o.Key = b
	}
	return o, nil
}

func resolvePath(dir, name string) string {
	if dir == "" || strings.HasPrefix(name, "/") {
		return name
	}
	return dir + "/" + name
}

func readInlineBlock(scanner *bufio.Scanner, tag string) ([]byte, error) {
	var buf bytes.Buffer
	closing := "</" + tag + ">"
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == closing {
			return buf.Bytes(), nil
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	return nil, fmt.Errorf("%w: unterminated <%s> block", errBadCfg, tag)
}

// parseOption dispatches a single directive to its handler. Unrecognized
// directives are ignored, never rejected.
func parseOption(o *Options, dir, key string, parts []string) error {
	switch key {
	case "remote":
		return parseRemote(parts, o)
	case "proto":
		return parseProto(parts, o)
	case "cipher":
		return parseCipher(parts, o)
	case "auth":
		return parseAuth(parts, o)
	case "ca":
		return parseCA(parts, o, dir)
	case "cert":
		return parseCert(parts, o, dir)
	case "key":
		return parseKey(parts, o, dir)
	case "compress":
		return parseCompress(parts, o)
	case "comp-lzo":
		return parseCompLZO(parts, o)
	case "auth-user-pass":
		return parseAuthUser(parts, o)
	case "tls-version-max":
		return parseTLSVerMax(parts, o)
	case "pia-patch":
		o.UsesPIAPatches = true
		return nil
	case "keepalive":
		return parseKeepalive(parts, o)
	case "reneg-sec":
		return parseRenegSec(parts, o)
	case "hand-window":
		return parseHandWindow(parts, o)
	case "tun-mtu":
		return parseMTU(parts, o)
	case "obfs4-proxy", "proxy-obfs4":
		return parseProxyOBFS4(parts, o)
	case "tls-auth":
		return parseTLSWrap(parts, o, dir, model.TLSWrapAuth)
	case "tls-crypt":
		return parseTLSWrap(parts, o, dir, model.TLSWrapCrypt)
	default:
		return nil
	}
}

func parseRemote(p []string, o *Options) error {
	if len(p) < 2 {
		return fmt.Errorf("%w: malformed remote", errBadCfg)
	}
	o.Remote = p[0]
	o.Port = p[1]
	return nil
}

func parseProto(p []string, o *Options) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: malformed proto", errBadCfg)
	}
	switch strings.ToLower(p[0]) {
	case "udp", "udp4", "udp6":
		o.Proto = UDPMode
	case "tcp", "tcp4", "tcp6", "tcp-client":
		o.Proto = TCPMode
	default:
		return fmt.Errorf("%w: unknown proto %q", errBadCfg, p[0])
	}
	return nil
}

func parseCipher(p []string, o *Options) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: malformed cipher", errBadCfg)
	}
	if _, err := crypto.NewDataCipherFromName(p[0]); err != nil {
		return fmt.Errorf("%w: %s", errBadCfg, err)
	}
	o.Cipher = p[0]
	return nil
}

var validDigests = map[string]bool{
	"SHA1": true, "SHA224": true, "SHA256": true, "SHA384": true, "SHA512": true,
}

func parseAuth(p []string, o *Options) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: malformed auth", errBadCfg)
	}
	name := strings.ToUpper(p[0])
	if p[0] != name || !validDigests[name] {
		return fmt.Errorf("%w: unknown digest %q", errBadCfg, p[0])
	}
	o.Auth = name
	return nil
}

func parseCA(p []string, o *Options, dir string) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: malformed ca", errBadCfg)
	}
	path := resolvePath(dir, p[0])
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %s", errBadCfg, err)
	}
	o.Ca = b
	return nil
}

func parseCert(p []string, o *Options, dir string) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: malformed cert", errBadCfg)
	}
	path := resolvePath(dir, p[0])
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %s", errBadCfg, err)
	}
	o.Cert = b
	return nil
}

func parseKey(p []string, o *Options, dir string) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: malformed key", errBadCfg)
	}
	path := resolvePath(dir, p[0])
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %s", errBadCfg, err)
	}
	o.Key = b
	return nil
}

func parseCompress(p []string, o *Options) error {
	switch len(p) {
	case 0:
		o.Compress = compressionEmpty
		return nil
	case 1:
		switch p[0] {
		case "stub", "stub-v2":
			o.Compress = compressionStub
			return nil
		default:
			return fmt.Errorf("%w: unknown compress %q", errBadCfg, p[0])
		}
	default:
		return fmt.Errorf("%w: malformed compress", errBadCfg)
	}
}

func parseCompLZO(p []string, o *Options) error {
	if len(p) != 1 || p[0] != "no" {
		return fmt.Errorf("%w: only \"comp-lzo no\" is supported", errBadCfg)
	}
	o.Compress = compressionLZONo
	return nil
}

func parseAuthUser(p []string, o *Options) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: malformed auth-user-pass", errBadCfg)
	}
	creds, err := getCredentialsFromFile(p[0])
	if err != nil {
		return err
	}
	o.Username, o.Password = creds[0], creds[1]
	return nil
}

func getCredentialsFromFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errBadCfg, err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) < 2 || lines[0] == "" || lines[1] == "" {
		return nil, fmt.Errorf("%w: auth-user-pass file needs a username and password line", errBadCfg)
	}
	return lines[:2], nil
}

func parseTLSVerMax(p []string, o *Options) error {
	if o == nil {
		return errBadInput
	}
	if len(p) == 0 {
		return nil
	}
	o.TLSMaxVer = p[0]
	return nil
}

// parseKeepalive handles "keepalive n m": n is the ping interval, m is the
// --ping-restart timeout OpenVPN expands this directive into.
func parseKeepalive(p []string, o *Options) error {
	if len(p) != 2 {
		return fmt.Errorf("%w: malformed keepalive", errBadCfg)
	}
	secs, err := strconv.Atoi(p[0])
	if err != nil {
		return fmt.Errorf("%w: %s", errBadCfg, err)
	}
	o.KeepAliveInterval = time.Duration(secs) * time.Second
	restartSecs, err := strconv.Atoi(p[1])
	if err != nil {
		return fmt.Errorf("%w: %s", errBadCfg, err)
	}
	o.PingTimeout = time.Duration(restartSecs) * time.Second
	return nil
}

func parseHandWindow(p []string, o *Options) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: malformed hand-window", errBadCfg)
	}
	secs, err := strconv.Atoi(p[0])
	if err != nil {
		return fmt.Errorf("%w: %s", errBadCfg, err)
	}
	o.NegotiationTimeout = time.Duration(secs) * time.Second
	return nil
}

func parseRenegSec(p []string, o *Options) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: malformed reneg-sec", errBadCfg)
	}
	secs, err := strconv.Atoi(p[0])
	if err != nil {
		return fmt.Errorf("%w: %s", errBadCfg, err)
	}
	o.RenegotiatesAfter = time.Duration(secs) * time.Second
	return nil
}

func parseMTU(p []string, o *Options) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: malformed tun-mtu", errBadCfg)
	}
	mtu, err := strconv.Atoi(p[0])
	if err != nil {
		return fmt.Errorf("%w: %s", errBadCfg, err)
	}
	o.MTU = mtu
	return nil
}

// parseTLSWrap handles tls-auth/tls-crypt: both take a static key file,
// and tls-auth optionally a trailing key-direction digit, which this
// client ignores since it always assumes the client-side key-direction
// convention.
func parseTLSWrap(p []string, o *Options, dir string, strategy model.TLSWrapStrategy) error {
	if len(p) < 1 {
		return fmt.Errorf("%w: malformed tls-auth/tls-crypt", errBadCfg)
	}
	path := resolvePath(dir, p[0])
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %s", errBadCfg, err)
	}
	key, err := decodeStaticKeyFile(data)
	if err != nil {
		return fmt.Errorf("%w: %s", errBadCfg, err)
	}
	o.TLSWrap = &model.TLSWrap{Strategy: strategy, Key: key}
	return nil
}

// decodeStaticKeyFile parses an OpenVPN static key file: a PEM-like block
// of 16 lines of 32 hex chars (256 bytes total) between "-----BEGIN OpenVPN
// Static key V1-----" and "-----END OpenVPN Static key V1-----".
func decodeStaticKeyFile(data []byte) ([]byte, error) {
	const beginMarker = "-----BEGIN OpenVPN Static key V1-----"
	const endMarker = "-----END OpenVPN Static key V1-----"

	var hexLines []string
	inBlock := false
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == beginMarker:
			inBlock = true
		case line == endMarker:
			inBlock = false
		case inBlock && line != "" && !strings.HasPrefix(line, "#") && !strings.HasPrefix(line, ";"):
			hexLines = append(hexLines, line)
		}
	}
	if len(hexLines) == 0 {
		return nil, fmt.Errorf("%w: missing static key block", errBadCfg)
	}
	raw, err := hex.DecodeString(strings.Join(hexLines, ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errBadCfg, err)
	}
	if len(raw) != crypto.TLSWrapKeySize {
		return nil, fmt.Errorf("%w: static key must be %d bytes, got %d", errBadCfg, crypto.TLSWrapKeySize, len(raw))
	}
	return raw, nil
}

// parseProxyOBFS4 records an obfs4 proxy URI. The core itself never dials
// through it; it's recorded for an external collaborator that
// wraps the dial.
func parseProxyOBFS4(p []string, o *Options) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: malformed obfs4 proxy uri", errBadCfg)
	}
	o.ProxyOBFS4 = p[0]
	return nil
}

// toConfig builds the internal [model.Config] this engine drives from,
// the boundary between the .ovpn-subset surface and the session engine.
func (o *Options) toConfig() (*model.Config, error) {
	if len(o.Ca) == 0 {
		return nil, fmt.Errorf("%w: missing ca", errBadCfg)
	}
	if (len(o.Cert) == 0) != (len(o.Key) == 0) {
		return nil, fmt.Errorf("%w: clientCertificate and clientKey must both be set or both be empty", errBadCfg)
	}
	pingTimeout := o.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = defaultPingTimeout
	}
	negotiationTimeout := o.NegotiationTimeout
	if negotiationTimeout <= 0 {
		negotiationTimeout = defaultNegotiationTimeout
	}
	cfg := &model.Config{
		Cipher:             o.Cipher,
		Auth:               o.Auth,
		CA:                 o.Ca,
		ClientCert:         o.Cert,
		ClientKey:          o.Key,
		CompressionFraming: o.Compress.framing(),
		TLSWrap:            o.TLSWrap,
		KeepAliveInterval:  o.KeepAliveInterval,
		PingTimeout:        pingTimeout,
		RenegotiatesAfter:  o.RenegotiatesAfter,
		NegotiationTimeout: negotiationTimeout,
		UsesPIAPatches:     o.UsesPIAPatches,
		MTU:                o.MTU,
		Username:           o.Username,
		Password:           o.Password,
	}
	if o.Log != nil {
		cfg.SetLogger(o.Log)
	}
	return cfg, nil
}

func (p proto) network() string {
	if p == TCPMode {
		return "tcp"
	}
	return "udp"
}
