package gitutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// withSSHKey writes keyMaterial to a private, mode-0600 temporary file for
// the duration of fn, and sets GIT_SSH_COMMAND so the git subprocess uses it
// as its identity. The file is removed on every exit path, including panics.
func withSSHKey(keyMaterial string, fn func(env []string) error) error {
	if keyMaterial == "" {
		return fn(nil)
	}

	dir, err := os.MkdirTemp("", "sessionforge-sshkey-*")
	if err != nil {
		return fmt.Errorf("create ssh key dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	keyPath := filepath.Join(dir, "id")
	if err := os.WriteFile(keyPath, []byte(keyMaterial), 0o600); err != nil {
		return fmt.Errorf("write ssh key: %w", err)
	}

	sshCmd := fmt.Sprintf("ssh -i %s -o IdentityAgent=none -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null", keyPath)
	env := append(os.Environ(), "GIT_SSH_COMMAND="+sshCmd)
	return fn(env)
}
