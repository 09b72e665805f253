// Command keygen manages a node's long-term identity: the Ed25519
// signing keypair used for control-message and verification-receipt
// signatures, and the ML-KEM-768/X25519 hybrid keypair the PQC file
// envelope encapsulates against.
package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/meshbridge/corelink/internal/crypto"
	"github.com/meshbridge/corelink/internal/crypto/identity"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "generate":
		generateCmd(args)
	case "show":
		showCmd(args)
	case "backup":
		backupCmd(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("keygen - corelink identity management")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  keygen generate [-dir DIR]   create or replace a node identity")
	fmt.Println("  keygen show [-dir DIR]       display identity fingerprint and key material")
	fmt.Println("  keygen backup [-dir DIR] [-out FILE]")
	fmt.Println("                               write a passphrase-encrypted backup of the signing key")
	fmt.Println()
	fmt.Println("Identities live under ~/.local/share/corelink/identity by default.")
}

func resolvePaths(dir string) identity.Paths {
	if dir == "" {
		return identity.Paths{}
	}
	return identity.Paths{
		SigningPriv: filepath.Join(dir, "id_ed25519"),
		SigningPub:  filepath.Join(dir, "id_ed25519.pub"),
		KEMDecapKey: filepath.Join(dir, "id_mlkem768.key"),
		KEMEncapKey: filepath.Join(dir, "id_mlkem768.pub"),
		X25519Priv:  filepath.Join(dir, "id_x25519"),
		X25519Pub:   filepath.Join(dir, "id_x25519.pub"),
	}
}

func generateCmd(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	dir := fs.String("dir", "", "identity directory (default ~/.local/share/corelink/identity)")
	fs.Parse(args)

	id, err := identity.LoadOrCreate(resolvePaths(*dir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create identity: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Identity ready.")
	fmt.Println()
	printIdentity(id, *dir)
}

func showCmd(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	dir := fs.String("dir", "", "identity directory (default ~/.local/share/corelink/identity)")
	fs.Parse(args)

	id, err := identity.LoadOrCreate(resolvePaths(*dir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load identity: %v\n", err)
		fmt.Fprintln(os.Stderr, "run 'keygen generate' first to create one")
		os.Exit(1)
	}

	printIdentity(id, *dir)
}

// backupCmd writes an Argon2id-encrypted copy of the node's Ed25519
// signing key, distinct from the plain base64 file the identity
// package keeps for day-to-day loading: this one is meant to leave
// the machine, so it is sealed under an operator-supplied passphrase.
func backupCmd(args []string) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	dir := fs.String("dir", "", "identity directory (default ~/.local/share/corelink/identity)")
	out := fs.String("out", "", "backup file path (default <dir>/signing-key.backup)")
	fs.Parse(args)

	id, err := identity.LoadOrCreate(resolvePaths(*dir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load identity: %v\n", err)
		os.Exit(1)
	}

	fmt.Print("Enter backup passphrase: ")
	passphraseBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read passphrase: %v\n", err)
		os.Exit(1)
	}
	fmt.Print("Confirm passphrase: ")
	confirmBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read passphrase: %v\n", err)
		os.Exit(1)
	}
	if string(passphraseBytes) != string(confirmBytes) {
		fmt.Fprintln(os.Stderr, "passphrases do not match")
		os.Exit(1)
	}

	backupPath := *out
	if backupPath == "" {
		paths := resolvePaths(*dir)
		if paths == (identity.Paths{}) {
			paths, _ = identity.DefaultPaths()
		}
		backupPath = filepath.Join(filepath.Dir(paths.SigningPriv), "signing-key.backup")
	}

	if err := crypto.SaveKey(id.SigningPrivate, backupPath, string(passphraseBytes)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write backup: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Signing key backed up to: %s\n", backupPath)
}

func printIdentity(id *identity.Identity, dir string) {
	fmt.Println("Fingerprint:")
	fmt.Printf("  %s\n", id.Fingerprint())
	fmt.Println()
	fmt.Println("KEM encapsulation key (base64):")
	fmt.Printf("  %s\n", base64.StdEncoding.EncodeToString(id.KEMEncapsulation.Bytes()))
	fmt.Println()
	fmt.Println("X25519 public key (base64):")
	fmt.Printf("  %s\n", base64.StdEncoding.EncodeToString(id.X25519Public[:]))
	fmt.Println()
	if dir == "" {
		paths, _ := identity.DefaultPaths()
		dir = filepath.Dir(paths.SigningPriv)
	}
	fmt.Println("Key material stored under:")
	fmt.Printf("  %s\n", dir)
	fmt.Printf("Checked at: %s\n", time.Now().Format(time.RFC3339))
}
