// Command envelope drives the PQC file envelope from the shell:
// keygen writes a recipient's hybrid public/private key pair to a
// directory, encrypt seals a file against a public key, decrypt opens
// a sealed file with a private key.
//
// Exit codes: 0 success, 2 I/O failure, 3 crypto failure, 4 argument error.
package main

import (
	"crypto/mlkem"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/meshbridge/corelink/internal/crypto"
	"github.com/meshbridge/corelink/internal/envelope"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

const (
	exitSuccess     = 0
	exitIOFailure   = 2
	exitCryptoError = 3
	exitArgError    = 4
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitArgError)
	}

	var err error
	switch os.Args[1] {
	case "keygen":
		err = runKeygen(os.Args[2:])
	case "encrypt":
		err = runEncrypt(os.Args[2:])
	case "decrypt":
		err = runDecrypt(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand: %s\n", os.Args[1])
		usage()
		os.Exit(exitArgError)
	}

	if err == nil {
		os.Exit(exitSuccess)
	}

	var ce *cliError
	if errors.As(err, &ce) {
		fmt.Fprintf(os.Stderr, "envelope: %v\n", ce.cause)
		os.Exit(ce.code)
	}
	fmt.Fprintf(os.Stderr, "envelope: %v\n", err)
	os.Exit(exitCryptoError)
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  envelope keygen --outdir DIR")
	fmt.Fprintln(os.Stderr, "  envelope encrypt --input FILE --output FILE --pubkey FILE")
	fmt.Fprintln(os.Stderr, "  envelope decrypt --input FILE --output FILE --privkey FILE")
}

// cliError pairs an error with the exit code it should produce,
// letting the subcommands report I/O vs. argument vs. crypto failures
// distinctly without main needing to re-derive the cause.
type cliError struct {
	code  int
	cause error
}

func (e *cliError) Error() string { return e.cause.Error() }
func (e *cliError) Unwrap() error { return e.cause }

func argErr(format string, a ...any) error {
	return &cliError{code: exitArgError, cause: fmt.Errorf(format, a...)}
}

func ioErr(err error) error {
	return &cliError{code: exitIOFailure, cause: err}
}

func cryptoErr(err error) error {
	return &cliError{code: exitCryptoError, cause: err}
}

// writePublicKeyFile writes the on-disk (base64, newline-delimited)
// form of a RecipientPublicKey: the ML-KEM-768 encapsulation key
// followed by the X25519 public key.
func writePublicKeyFile(path string, pub envelope.RecipientPublicKey) error {
	data := base64.StdEncoding.EncodeToString(pub.KEM.Bytes()) + "\n" +
		base64.StdEncoding.EncodeToString(pub.X25519[:]) + "\n"
	return os.WriteFile(path, []byte(data), 0o644)
}

func writePrivateKeyFile(path string, priv envelope.RecipientPrivateKey) error {
	data := base64.StdEncoding.EncodeToString(priv.KEM.Bytes()) + "\n" +
		base64.StdEncoding.EncodeToString(priv.X25519[:]) + "\n"
	return os.WriteFile(path, []byte(data), 0o600)
}

func readPublicKeyFile(path string) (envelope.RecipientPublicKey, error) {
	var pub envelope.RecipientPublicKey
	lines, err := readB64Lines(path, 2)
	if err != nil {
		return pub, err
	}
	encap, err := mlkem.NewEncapsulationKey768(lines[0])
	if err != nil {
		return pub, fmt.Errorf("invalid KEM public key: %w", err)
	}
	pub.KEM = encap
	if len(lines[1]) != 32 {
		return pub, fmt.Errorf("invalid X25519 public key length %d", len(lines[1]))
	}
	copy(pub.X25519[:], lines[1])
	return pub, nil
}

func readPrivateKeyFile(path string) (envelope.RecipientPrivateKey, error) {
	var priv envelope.RecipientPrivateKey
	lines, err := readB64Lines(path, 2)
	if err != nil {
		return priv, err
	}
	decap, err := mlkem.NewDecapsulationKey768(lines[0])
	if err != nil {
		return priv, fmt.Errorf("invalid KEM private key: %w", err)
	}
	priv.KEM = decap
	if len(lines[1]) != 32 {
		return priv, fmt.Errorf("invalid X25519 private key length %d", len(lines[1]))
	}
	copy(priv.X25519[:], lines[1])
	return priv, nil
}

func readB64Lines(path string, want int) ([][]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := splitNonEmptyLines(string(raw))
	if len(lines) < want {
		return nil, fmt.Errorf("key file %s: expected %d lines, got %d", path, want, len(lines))
	}
	out := make([][]byte, want)
	for i := 0; i < want; i++ {
		decoded, err := base64.StdEncoding.DecodeString(lines[i])
		if err != nil {
			return nil, fmt.Errorf("key file %s: line %d is not valid base64: %w", path, i+1, err)
		}
		out[i] = decoded
	}
	return out, nil
}

func splitNonEmptyLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\n' {
			line := s[start:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			if line != "" {
				out = append(out, line)
			}
			start = i + 1
		}
	}
	return out
}

func runKeygen(args []string) error {
	fs := newFlagSet("keygen")
	outdir := fs.String("outdir", "", "directory to write the key pair to")
	if err := fs.Parse(args); err != nil {
		return argErr("%w", err)
	}
	if *outdir == "" {
		return argErr("--outdir is required")
	}

	ephemeral, err := crypto.GenerateX25519()
	if err != nil {
		return cryptoErr(fmt.Errorf("generating X25519 keypair: %w", err))
	}
	decap, err := mlkem.GenerateKey768()
	if err != nil {
		return cryptoErr(fmt.Errorf("generating ML-KEM-768 keypair: %w", err))
	}

	pub := envelope.RecipientPublicKey{KEM: decap.EncapsulationKey(), X25519: ephemeral.PublicKey}
	priv := envelope.RecipientPrivateKey{KEM: decap, X25519: ephemeral.PrivateKey}

	if err := os.MkdirAll(*outdir, 0o700); err != nil {
		return ioErr(err)
	}
	pubPath := filepath.Join(*outdir, "envelope.pub")
	privPath := filepath.Join(*outdir, "envelope.key")

	if err := writePublicKeyFile(pubPath, pub); err != nil {
		return ioErr(err)
	}
	if err := writePrivateKeyFile(privPath, priv); err != nil {
		return ioErr(err)
	}

	fmt.Printf("public key:  %s\n", pubPath)
	fmt.Printf("private key: %s\n", privPath)
	return nil
}

func runEncrypt(args []string) error {
	fs := newFlagSet("encrypt")
	input := fs.String("input", "", "plaintext file to seal")
	output := fs.String("output", "", "envelope file to write")
	pubkey := fs.String("pubkey", "", "recipient public key file")
	chunkSize := fs.Int("chunk-size", 0, "envelope chunk size in bytes (default 1 MiB)")
	if err := fs.Parse(args); err != nil {
		return argErr("%w", err)
	}
	if *input == "" || *output == "" || *pubkey == "" {
		return argErr("--input, --output and --pubkey are all required")
	}

	recipient, err := readPublicKeyFile(*pubkey)
	if err != nil {
		return ioErr(err)
	}

	in, err := os.Open(*input)
	if err != nil {
		return ioErr(err)
	}
	defer in.Close()

	out, err := os.Create(*output)
	if err != nil {
		return ioErr(err)
	}
	defer out.Close()

	if err := envelope.Encrypt(in, out, recipient, *chunkSize); err != nil {
		os.Remove(*output)
		return cryptoErr(err)
	}
	return nil
}

func runDecrypt(args []string) error {
	fs := newFlagSet("decrypt")
	input := fs.String("input", "", "envelope file to open")
	output := fs.String("output", "", "plaintext file to write")
	privkey := fs.String("privkey", "", "recipient private key file")
	if err := fs.Parse(args); err != nil {
		return argErr("%w", err)
	}
	if *input == "" || *output == "" || *privkey == "" {
		return argErr("--input, --output and --privkey are all required")
	}

	recipient, err := readPrivateKeyFile(*privkey)
	if err != nil {
		return ioErr(err)
	}

	in, err := os.Open(*input)
	if err != nil {
		return ioErr(err)
	}
	defer in.Close()

	out, err := os.Create(*output)
	if err != nil {
		return ioErr(err)
	}
	defer out.Close()

	if err := envelope.Decrypt(in, out, recipient); err != nil {
		os.Remove(*output)
		return cryptoErr(err)
	}
	return nil
}
