package bundle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/skip2/go-qrcode"

	"github.com/veridegree/veridegree/internal/fsutil"
)

// MaxLinkToken bounds the length of a share-link token.
const MaxLinkToken = 8 << 10

// EncodeLink returns a base58 token carrying the whole bundle, suitable for a
// URL path segment or a QR code.
func EncodeLink(b *Bundle) (string, error) {
	data, err := Marshal(b)
	if err != nil {
		return "", err
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return "", fmt.Errorf("compact bundle: %w", err)
	}
	return base58.Encode(compact.Bytes()), nil
}

// DecodeLink reverses EncodeLink.
func DecodeLink(token string) (*Bundle, error) {
	if token == "" || len(token) > MaxLinkToken {
		return nil, malformed("link token length", nil)
	}
	data, err := base58.Decode(token)
	if err != nil {
		return nil, malformed("link token encoding", err)
	}
	return Unmarshal(data)
}

// QRCode renders content as a PNG of size x size pixels.
func QRCode(content string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(content, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr code: %w", err)
	}
	return png, nil
}

// FileName returns the download name for b, e.g.
// VeriDegree_Proof_cred-001_GTE_8.00.json.
func FileName(b *Bundle) string {
	return fmt.Sprintf("VeriDegree_Proof_%s_GTE_%s.json", safeName(b.CredentialID), safeName(b.ClaimedThreshold))
}

// WriteFile writes b into dir under FileName and returns the path.
func WriteFile(dir string, b *Bundle) (string, error) {
	data, err := Marshal(b)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, FileName(b))
	if err := fsutil.WriteFileAtomic(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// ReadFile reads and decodes a bundle file.
func ReadFile(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read decodes a bundle from r, reading at most MaxSize+1 bytes.
func Read(r io.Reader) (*Bundle, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxSize+1))
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// safeName keeps ids usable as file name components.
func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		}
		return '_'
	}, s)
}
