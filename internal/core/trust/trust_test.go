package trust

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type memDigest struct {
	mu     sync.Mutex
	digest []byte
}

func (m *memDigest) PinnedDigest() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.digest
}

func (m *memDigest) SetPinnedDigest(d []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.digest = d
}

func selfSigned(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert
}

func newStore() (*Store, *memDigest) {
	d := &memDigest{}
	return New(1, d, slog.New(slog.NewTextHandler(io.Discard, nil))), d
}

func TestFirstCertificateIsPinned(t *testing.T) {
	s, d := newStore()
	a := selfSigned(t, "a")
	b := selfSigned(t, "b")

	if !s.IsKnownCertificate(a) {
		t.Fatal("first certificate should be trusted")
	}
	if !bytes.Equal(d.PinnedDigest(), Digest(a)) {
		t.Fatal("first certificate was not pinned")
	}
	if !s.IsKnownCertificate(a) {
		t.Error("pinned certificate no longer trusted")
	}
	if s.IsKnownCertificate(b) {
		t.Error("different certificate trusted")
	}
	if !bytes.Equal(d.PinnedDigest(), Digest(a)) {
		t.Error("rejected certificate replaced the pin")
	}
}

func TestSetKnownCertificateReplacesPin(t *testing.T) {
	s, _ := newStore()
	a := selfSigned(t, "a")
	b := selfSigned(t, "b")
	s.IsKnownCertificate(a)

	s.SetKnownCertificate(b)
	if s.IsKnownCertificate(a) {
		t.Error("old certificate still trusted")
	}
	if !s.IsKnownCertificate(b) {
		t.Error("new certificate not trusted")
	}

	s.Forget()
	if !s.IsKnownCertificate(a) {
		t.Error("after Forget the next certificate should be pinned")
	}
}

func TestConcurrentFirstUse(t *testing.T) {
	s, _ := newStore()
	certs := []*x509.Certificate{selfSigned(t, "a"), selfSigned(t, "b")}

	var wg sync.WaitGroup
	results := make([]bool, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.IsKnownCertificate(certs[i%2])
		}(i)
	}
	wg.Wait()

	trusted := map[bool]int{}
	for i, ok := range results {
		if ok {
			trusted[i%2 == 0]++
		}
	}
	if len(trusted) != 1 {
		t.Errorf("both certificates were trusted: %v", trusted)
	}
}

func TestVerifyPeerCertificate(t *testing.T) {
	s, _ := newStore()
	a := selfSigned(t, "a")
	b := selfSigned(t, "b")

	if err := s.VerifyPeerCertificate(nil, nil); err == nil {
		t.Error("empty chain accepted")
	}
	if err := s.VerifyPeerCertificate([][]byte{a.Raw}, nil); err != nil {
		t.Fatalf("first use: %v", err)
	}
	err := s.VerifyPeerCertificate([][]byte{b.Raw}, nil)
	if !errors.Is(err, ErrTrustMismatch) {
		t.Fatalf("err = %v, want ErrTrustMismatch", err)
	}
	var mismatch *MismatchError
	if !errors.As(err, &mismatch) || !bytes.Equal(mismatch.Presented, Digest(b)) {
		t.Errorf("mismatch detail = %+v", mismatch)
	}
}

func TestTLSConfigAgainstServer(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s, d := newStore()
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: s.TLSConfig()}}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("first connection: %v", err)
	}
	resp.Body.Close()
	if !bytes.Equal(d.PinnedDigest(), Digest(srv.Certificate())) {
		t.Fatal("server certificate not pinned")
	}

	d.SetPinnedDigest([]byte("not the digest"))
	client.CloseIdleConnections()
	if _, err := client.Get(srv.URL); err == nil || !strings.Contains(err.Error(), ErrTrustMismatch.Error()) {
		t.Errorf("err = %v, want trust mismatch", err)
	}
}

func TestFetchCertificate(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()

	cert, err := FetchCertificate(context.Background(), srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(Digest(cert), Digest(srv.Certificate())) {
		t.Error("fetched certificate differs from served certificate")
	}
}
