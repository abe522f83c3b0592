package source

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// AuthOptions selects which SSH authentication methods BuildAuthMethods
// tries, and in what order: password first (when supplied), then the
// running user's SSH agent, then the default identity files under
// ~/.ssh.
type AuthOptions struct {
	Password string

	// KeyFile, when set, is tried before the default identity files
	// (config's source.key_file).
	KeyFile string

	// HomeDir overrides the directory default identity files are read
	// from; defaults to os.UserHomeDir() when empty.
	HomeDir string
}

// defaultIdentityFiles are tried in this order when present, mirroring
// OpenSSH's own default IdentityFile list.
var defaultIdentityFiles = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// BuildAuthMethods assembles the ssh.AuthMethod chain Dial should try,
// skipping any source that is unavailable (no password given, no
// agent socket, no readable identity file) rather than failing.
func BuildAuthMethods(opts AuthOptions) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if opts.Password != "" {
		methods = append(methods, ssh.Password(opts.Password))
	}

	if agentMethod, err := agentAuthMethod(); err != nil {
		return nil, err
	} else if agentMethod != nil {
		methods = append(methods, agentMethod)
	}

	if opts.KeyFile != "" {
		if signer, err := signerFromFile(opts.KeyFile); err == nil {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	keyMethod, err := identityFileAuthMethod(opts.HomeDir)
	if err != nil {
		return nil, err
	}
	if keyMethod != nil {
		methods = append(methods, keyMethod)
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no usable SSH authentication method: supply a password, run an SSH agent, or place a key under ~/.ssh")
	}
	return methods, nil
}

func agentAuthMethod() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, nil
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		// Agent advertised but unreachable is not fatal; other auth
		// methods may still work.
		return nil, nil
	}
	client := agent.NewClient(conn)
	return ssh.PublicKeysCallback(client.Signers), nil
}

func identityFileAuthMethod(homeDir string) (ssh.AuthMethod, error) {
	if homeDir == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			return nil, nil
		}
		homeDir = dir
	}

	var signers []ssh.Signer
	for _, name := range defaultIdentityFiles {
		signer, err := signerFromFile(filepath.Join(homeDir, ".ssh", name))
		if err != nil {
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) == 0 {
		return nil, nil
	}
	return ssh.PublicKeys(signers...), nil
}

// signerFromFile reads and parses a private key file. Encrypted or
// malformed keys are reported as an error so the caller can skip them
// rather than failing the whole auth chain.
func signerFromFile(path string) (ssh.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(raw)
}
