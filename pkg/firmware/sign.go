package firmware

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Manifest is the release metadata written alongside a signed firmware
// image, matching sign_firmware.py's manifest.json schema exactly.
type Manifest struct {
	Version   string         `json:"version"`
	SignedAt  string         `json:"signed_at"`
	Algorithm string         `json:"algorithm"`
	Firmware  ManifestFile   `json:"firmware"`
	Signature ManifestFile   `json:"signature"`
	PublicKey ManifestPubKey `json:"public_key"`
}

type ManifestFile struct {
	File   string `json:"file"`
	Size   int    `json:"size"`
	SHA256 string `json:"sha256,omitempty"`
	CRC32  uint32 `json:"crc32,omitempty"`
	Hex    string `json:"hex,omitempty"`
}

type ManifestPubKey struct {
	Hex string `json:"hex"`
}

// nowFunc is overridable in tests; production code always uses time.Now.
var nowFunc = time.Now

// SignResult describes what SignFirmware wrote to outputDir.
type SignResult struct {
	FirmwarePath  string
	SignaturePath string
	SHA256Path    string
	ManifestPath  string
	Manifest      Manifest
}

// SignFirmware signs the entire patched binary at firmwarePath (not a
// hash of it — Ed25519 hashes internally) with privateKey, and writes
// the original firmware, the raw 64-byte signature, a .sha256 sidecar,
// and manifest.json into outputDir. It then re-reads the firmware and
// signature files it just wrote and re-verifies the signature against
// the manifest's public key, failing loudly on any mismatch.
func SignFirmware(firmwarePath string, privateKey ed25519.PrivateKey, outputDir string) (SignResult, error) {
	firmwareData, err := os.ReadFile(firmwarePath)
	if err != nil {
		return SignResult{}, fmt.Errorf("reading firmware: %w", err)
	}

	firmwareSize := len(firmwareData)
	sum := sha256.Sum256(firmwareData)
	firmwareSHA256 := hex.EncodeToString(sum[:])
	firmwareCRC := crc32IEEE(firmwareData)

	signature := ed25519.Sign(privateKey, firmwareData)
	publicKey := privateKey.Public().(ed25519.PublicKey)

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return SignResult{}, fmt.Errorf("creating output dir: %w", err)
	}

	base := filepath.Base(firmwarePath)
	nameNoExt := base[:len(base)-len(filepath.Ext(base))]

	outFirmware := filepath.Join(outputDir, base)
	if err := os.WriteFile(outFirmware, firmwareData, 0o644); err != nil {
		return SignResult{}, fmt.Errorf("writing firmware: %w", err)
	}

	sigName := nameNoExt + ".sig"
	sigPath := filepath.Join(outputDir, sigName)
	if err := os.WriteFile(sigPath, signature, 0o644); err != nil {
		return SignResult{}, fmt.Errorf("writing signature: %w", err)
	}

	sha256Path := filepath.Join(outputDir, nameNoExt+".sha256")
	sha256Line := fmt.Sprintf("%s  %s\n", firmwareSHA256, base)
	if err := os.WriteFile(sha256Path, []byte(sha256Line), 0o644); err != nil {
		return SignResult{}, fmt.Errorf("writing sha256: %w", err)
	}

	manifest := Manifest{
		Version:   "1.0",
		SignedAt:  nowFunc().UTC().Format("2006-01-02T15:04:05Z"),
		Algorithm: "Ed25519",
		Firmware: ManifestFile{
			File:   base,
			Size:   firmwareSize,
			SHA256: firmwareSHA256,
			CRC32:  firmwareCRC,
		},
		Signature: ManifestFile{
			File: sigName,
			Size: len(signature),
			Hex:  hex.EncodeToString(signature),
		},
		PublicKey: ManifestPubKey{Hex: hex.EncodeToString(publicKey)},
	}

	manifestPath := filepath.Join(outputDir, "manifest.json")
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return SignResult{}, fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.WriteFile(manifestPath, manifestJSON, 0o644); err != nil {
		return SignResult{}, fmt.Errorf("writing manifest: %w", err)
	}

	result := SignResult{
		FirmwarePath:  outFirmware,
		SignaturePath: sigPath,
		SHA256Path:    sha256Path,
		ManifestPath:  manifestPath,
		Manifest:      manifest,
	}

	if err := VerifySignedPackage(result); err != nil {
		return result, fmt.Errorf("re-verification failed after signing: %w", err)
	}
	return result, nil
}

// VerifySignedPackage re-reads the firmware, signature, and public key
// referenced by a SignResult's manifest and confirms the signature
// validates, failing loudly (a non-nil error) on any mismatch.
func VerifySignedPackage(result SignResult) error {
	firmwareData, err := os.ReadFile(result.FirmwarePath)
	if err != nil {
		return fmt.Errorf("reading firmware: %w", err)
	}
	signature, err := os.ReadFile(result.SignaturePath)
	if err != nil {
		return fmt.Errorf("reading signature: %w", err)
	}
	publicKeyBytes, err := hex.DecodeString(result.Manifest.PublicKey.Hex)
	if err != nil {
		return fmt.Errorf("decoding public key: %w", err)
	}
	if len(publicKeyBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("public key has wrong size: %d", len(publicKeyBytes))
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKeyBytes), firmwareData, signature) {
		return fmt.Errorf("signature does not verify")
	}
	return nil
}

// LoadPrivateKeyPEM reads a PKCS#8 PEM-encoded Ed25519 private key.
func LoadPrivateKeyPEM(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	edKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key in %s is not an Ed25519 private key", path)
	}
	return edKey, nil
}
