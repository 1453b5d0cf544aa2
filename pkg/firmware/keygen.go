package firmware

import (
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// KeyPairFiles names what GenerateKeyPair writes.
type KeyPairFiles struct {
	PrivateKeyPath string
	PublicKeyPath  string
	HeaderPath     string
	PublicKeyHex   string
}

// GenerateKeyPair generates a fresh Ed25519 keypair and writes, into
// outputDir: a PKCS#8 PEM private key (mode 0600), a SubjectPublicKeyInfo
// PEM public key, and a C header exposing the raw public key bytes for
// the bootloader to embed. It refuses to overwrite an existing private
// key unless overwrite is true.
func GenerateKeyPair(outputDir string, overwrite bool) (KeyPairFiles, error) {
	privateKeyPath := filepath.Join(outputDir, "signing_key.pem")
	if !overwrite {
		if _, err := os.Stat(privateKeyPath); err == nil {
			return KeyPairFiles{}, fmt.Errorf("%s already exists; pass overwrite to replace it", privateKeyPath)
		}
	}

	publicKey, privateKey, err := ed25519.GenerateKey(cryptorand.Reader)
	if err != nil {
		return KeyPairFiles{}, fmt.Errorf("generating keypair: %w", err)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return KeyPairFiles{}, fmt.Errorf("creating output dir: %w", err)
	}

	pkcs8, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return KeyPairFiles{}, fmt.Errorf("marshaling private key: %w", err)
	}
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})
	if err := os.WriteFile(privateKeyPath, privatePEM, 0o600); err != nil {
		return KeyPairFiles{}, fmt.Errorf("writing private key: %w", err)
	}

	pkixBytes, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return KeyPairFiles{}, fmt.Errorf("marshaling public key: %w", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pkixBytes})
	publicKeyPath := filepath.Join(outputDir, "signing_key.pub")
	if err := os.WriteFile(publicKeyPath, publicPEM, 0o644); err != nil {
		return KeyPairFiles{}, fmt.Errorf("writing public key: %w", err)
	}

	headerPath := filepath.Join(outputDir, "signing_key_pub.h")
	header := generateCHeader(publicKey)
	if err := os.WriteFile(headerPath, []byte(header), 0o644); err != nil {
		return KeyPairFiles{}, fmt.Errorf("writing c header: %w", err)
	}

	return KeyPairFiles{
		PrivateKeyPath: privateKeyPath,
		PublicKeyPath:  publicKeyPath,
		HeaderPath:     headerPath,
		PublicKeyHex:   fmt.Sprintf("%x", []byte(publicKey)),
	}, nil
}

func generateCHeader(publicKey ed25519.PublicKey) string {
	var b strings.Builder
	b.WriteString("#ifndef AGSYS_SIGNING_KEY_PUB_H\n")
	b.WriteString("#define AGSYS_SIGNING_KEY_PUB_H\n\n")
	b.WriteString("#include <stdint.h>\n\n")
	b.WriteString("#define AGSYS_ED25519_PUBLIC_KEY_SIZE 32\n")
	b.WriteString("#define AGSYS_ED25519_SIGNATURE_SIZE  64\n\n")
	b.WriteString("static const uint8_t agsys_signing_public_key[AGSYS_ED25519_PUBLIC_KEY_SIZE] = {\n    ")
	for i, byte := range publicKey {
		fmt.Fprintf(&b, "0x%02x", byte)
		if i != len(publicKey)-1 {
			b.WriteString(", ")
		}
		if i == 15 {
			b.WriteString("\n    ")
		}
	}
	b.WriteString("\n};\n\n#endif /* AGSYS_SIGNING_KEY_PUB_H */\n")
	return b.String()
}
