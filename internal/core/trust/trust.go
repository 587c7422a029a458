// Package trust implements trust-on-first-use certificate pinning for DVR
// endpoints: the first certificate seen is remembered, later ones must match.
package trust

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // digest format shared with existing pinned settings
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrTrustMismatch is returned when a presented certificate differs from the pinned one.
var ErrTrustMismatch = errors.New("certificate does not match pinned digest")

// MismatchError carries both digests of a rejected handshake.
type MismatchError struct {
	Pinned    []byte
	Presented []byte
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("trust: %v: pinned %x, presented %x", ErrTrustMismatch, e.Pinned, e.Presented)
}

func (e *MismatchError) Unwrap() error {
	return ErrTrustMismatch
}

// DigestStore persists the pinned digest of one endpoint.
type DigestStore interface {
	PinnedDigest() []byte
	SetPinnedDigest(digest []byte)
}

// Digest returns the SHA-1 digest of the DER encoded certificate.
func Digest(cert *x509.Certificate) []byte {
	sum := sha1.Sum(cert.Raw) //nolint:gosec // fingerprint, not a signature
	return sum[:]
}

// Store decides whether a certificate is trusted for one endpoint.
type Store struct {
	serverID int
	digests  DigestStore
	log      *slog.Logger

	mu sync.Mutex // serializes first-use pinning across concurrent handshakes
}

// New creates a trust store backed by digests.
func New(serverID int, digests DigestStore, log *slog.Logger) *Store {
	return &Store{serverID: serverID, digests: digests, log: log}
}

// IsKnownCertificate reports whether cert is trusted. When nothing is pinned
// yet, cert becomes the pinned certificate and true is returned.
func (s *Store) IsKnownCertificate(cert *x509.Certificate) bool {
	return s.check(cert) == nil
}

// SetKnownCertificate pins cert unconditionally.
func (s *Store) SetKnownCertificate(cert *x509.Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.digests.SetPinnedDigest(Digest(cert))
	s.log.Info("pinned server certificate", "server_id", s.serverID, "digest", fmt.Sprintf("%x", Digest(cert)))
}

// Forget clears the pinned digest; the next certificate seen will be pinned.
func (s *Store) Forget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.digests.SetPinnedDigest(nil)
}

func (s *Store) check(cert *x509.Certificate) error {
	presented := Digest(cert)

	s.mu.Lock()
	defer s.mu.Unlock()

	pinned := s.digests.PinnedDigest()
	if len(pinned) == 0 {
		s.digests.SetPinnedDigest(presented)
		s.log.Info("trusting first certificate seen", "server_id", s.serverID, "digest", fmt.Sprintf("%x", presented))
		return nil
	}
	if !bytes.Equal(pinned, presented) {
		return &MismatchError{Pinned: pinned, Presented: presented}
	}
	return nil
}

// VerifyPeerCertificate is a tls.Config hook checking the leaf certificate.
func (s *Store) VerifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("trust: no certificate presented")
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("trust: parse certificate: %w", err)
	}
	if err := s.check(leaf); err != nil {
		s.log.Warn("rejecting server certificate", "server_id", s.serverID, "error", err)
		return err
	}
	return nil
}

// TLSConfig returns a client configuration that trusts exactly the pinned
// certificate instead of a CA chain.
func (s *Store) TLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify:    true, //nolint:gosec // chain verification replaced by VerifyPeerCertificate
		VerifyPeerCertificate: s.VerifyPeerCertificate,
		MinVersion:            tls.VersionTLS12,
	}
}

// FetchCertificate connects to addr and returns the leaf certificate it
// presents, without trusting it.
func FetchCertificate(ctx context.Context, addr string) (*x509.Certificate, error) {
	d := tls.Dialer{Config: &tls.Config{InsecureSkipVerify: true}} //nolint:gosec // inspection only
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("trust: dial %s: %w", addr, err)
	}
	defer conn.Close()

	certs := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, fmt.Errorf("trust: %s presented no certificate", addr)
	}
	return certs[0], nil
}
