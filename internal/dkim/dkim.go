// Package dkim implements C3: signing outgoing mail and verifying incoming
// mail per RFC 6376, on top of the teacher's chosen signing/verification
// library (github.com/emersion/go-msgauth/dkim) and its header model
// (github.com/emersion/go-message/textproto), the same pair used by
// internal/modify/dkim and internal/check/dkim.
package dkim

import (
	"bufio"
	"bytes"
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/dkim"
)

// Algorithm names accepted by GenerateKey, matching spec.md §4.3's
// generate_dkim_key.
const (
	AlgoRSA2048  = "rsa2048"
	AlgoRSA4096  = "rsa4096"
	AlgoEd25519  = "ed25519"
)

// defaultSignHeaders mirrors maddy's oversign/sign split but flattened to a
// single ordered list: fields most relevant to end-user-visible tampering
// are signed once per occurrence plus an extra empty-valued oversignature,
// everything else (mailing-list headers) only once.
var oversignHeaders = []string{
	"Subject", "Sender", "To", "Cc", "From", "Date",
	"MIME-Version", "Content-Type", "Content-Transfer-Encoding",
	"Reply-To", "In-Reply-To", "Message-Id", "References",
}

// GeneratedKey holds a freshly minted DKIM key pair plus the exact DNS TXT
// record value a caller must publish at <selector>._domainkey.<domain>.
type GeneratedKey struct {
	Algorithm  string
	PrivateKey crypto.Signer
	PrivateDER []byte // PKCS#8, for persisting in dkim_keys.private_key
	DNSRecord  string // "v=DKIM1; k=...; p=..."
}

// GenerateKey creates a new signing key per spec.md §4.3. rsa2048 and
// rsa4096 use PKCS#1/PKCS#8 RSA keys; ed25519 uses the RFC 8463 Ed25519
// variant.
func GenerateKey(algo string) (*GeneratedKey, error) {
	var (
		signer   crypto.Signer
		dkimName string
		err      error
	)
	switch algo {
	case AlgoRSA2048:
		dkimName = "rsa"
		signer, err = rsa.GenerateKey(rand.Reader, 2048)
	case AlgoRSA4096:
		dkimName = "rsa"
		signer, err = rsa.GenerateKey(rand.Reader, 4096)
	case AlgoEd25519:
		dkimName = "ed25519"
		_, signer, err = ed25519.GenerateKey(rand.Reader)
	default:
		return nil, fmt.Errorf("dkim: unknown key algorithm %q", algo)
	}
	if err != nil {
		return nil, fmt.Errorf("dkim: generate key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return nil, fmt.Errorf("dkim: marshal private key: %w", err)
	}

	var pubDER []byte
	switch pub := signer.Public().(type) {
	case *rsa.PublicKey:
		pubDER, err = x509.MarshalPKIXPublicKey(pub)
	case ed25519.PublicKey:
		pubDER = pub
	}
	if err != nil {
		return nil, fmt.Errorf("dkim: marshal public key: %w", err)
	}

	record := fmt.Sprintf("v=DKIM1; k=%s; p=%s", dkimName, base64.StdEncoding.EncodeToString(pubDER))

	return &GeneratedKey{
		Algorithm:  algo,
		PrivateKey: signer,
		PrivateDER: der,
		DNSRecord:  record,
	}, nil
}

// MarshalPrivateKey PEM-encodes a private key for storage in dkim_keys.private_key.
func MarshalPrivateKey(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

// ParsePrivateKey reverses MarshalPrivateKey.
func ParsePrivateKey(pemText string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("dkim: invalid PEM block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse private key: %w", err)
	}
	switch k := key.(type) {
	case *rsa.PrivateKey:
		k.Precompute()
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("dkim: unsupported key type %T", key)
	}
}

// SignOptions configures Sign.
type SignOptions struct {
	Domain   string
	Selector string
	Signer   crypto.Signer
	Hash     crypto.Hash // defaults to SHA-256
}

// Sign DKIM-signs a raw RFC 5322 message and returns it with a
// DKIM-Signature header prepended, per spec.md §4.3. hashHeader and
// hashBody use relaxed canonicalization, matching the teacher's default.
func Sign(raw []byte, opts SignOptions) ([]byte, error) {
	hash := opts.Hash
	if hash == 0 {
		hash = crypto.SHA256
	}

	header, body, err := splitMessage(raw)
	if err != nil {
		return nil, err
	}

	signOpts := &dkim.SignOptions{
		Domain:                 opts.Domain,
		Selector:               opts.Selector,
		Identifier:             "@" + opts.Domain,
		Signer:                 opts.Signer,
		Hash:                   hash,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             fieldsToSign(header),
	}

	signer, err := dkim.NewSigner(signOpts)
	if err != nil {
		return nil, fmt.Errorf("dkim: new signer: %w", err)
	}
	if err := textproto.WriteHeader(signer, header); err != nil {
		signer.Close()
		return nil, fmt.Errorf("dkim: write header for signing: %w", err)
	}
	if _, err := signer.Write(body); err != nil {
		signer.Close()
		return nil, fmt.Errorf("dkim: write body for signing: %w", err)
	}
	if err := signer.Close(); err != nil {
		return nil, fmt.Errorf("dkim: finalize signature: %w", err)
	}

	var out []byte
	out = append(out, []byte(signer.Signature())...)
	var headerBuf strings.Builder
	if err := textproto.WriteHeader(&headerBuf, header); err != nil {
		return nil, fmt.Errorf("dkim: rewrite header: %w", err)
	}
	out = append(out, []byte(headerBuf.String())...)
	out = append(out, body...)
	return out, nil
}

// fieldsToSign lists the header keys to include in the signature, each
// duplicated once for "oversigning" so a downstream MITM cannot insert
// an extra copy of a signed header undetected.
func fieldsToSign(h textproto.Header) []string {
	seen := make(map[string]struct{}, len(oversignHeaders))
	res := make([]string, 0, len(oversignHeaders)*2)
	for _, key := range oversignHeaders {
		lk := strings.ToLower(key)
		if _, ok := seen[lk]; ok {
			continue
		}
		seen[lk] = struct{}{}
		for f := h.FieldsByKey(key); f.Next(); {
			res = append(res, key)
		}
		res = append(res, key) // oversign
	}
	return res
}

// VerifyResult describes the outcome for a single DKIM-Signature header.
type VerifyResult struct {
	Domain     string
	Identifier string
	Pass       bool
	PermFail   bool
	TempFail   bool
	Err        error
}

// LookupTXT resolves a DNS TXT record; satisfied by net.Resolver.LookupTXT
// or a test double.
type LookupTXT func(ctx context.Context, domain string) ([]string, error)

// Verify checks every DKIM-Signature header on a raw message per spec.md
// §4.3 and returns one result per signature found (empty slice if none).
func Verify(ctx context.Context, raw []byte, lookupTXT LookupTXT) ([]VerifyResult, error) {
	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(raw), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			return lookupTXT(ctx, domain)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dkim: verify: %w", err)
	}

	out := make([]VerifyResult, 0, len(verifications))
	for _, v := range verifications {
		res := VerifyResult{Domain: v.Domain, Identifier: v.Identifier, Pass: v.Err == nil}
		if v.Err != nil {
			res.Err = v.Err
			res.PermFail = dkim.IsPermFail(v.Err)
			res.TempFail = dkim.IsTempFail(v.Err)
		}
		out = append(out, res)
	}
	return out, nil
}

// splitMessage separates the raw message's header block from its body,
// using the teacher's header reader (textproto.ReadHeader) for exact
// field-ordering and folding fidelity.
func splitMessage(raw []byte) (textproto.Header, []byte, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	header, err := textproto.ReadHeader(br)
	if err != nil {
		return textproto.Header{}, nil, fmt.Errorf("dkim: read header: %w", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return textproto.Header{}, nil, fmt.Errorf("dkim: read body: %w", err)
	}
	return header, body, nil
}
