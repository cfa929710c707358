package job

import (
	"fmt"
	"os/user"
	"path/filepath"
	"strconv"
)

// Account is the resolved OS identity a job runs as.
type Account struct {
	Username string
	UID      uint32
	GID      uint32
	Groups   []uint32
	HomeDir  string
}

// ExpandPath expands p relative to the account's home directory.
func (a *Account) ExpandPath(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(a.HomeDir, p)
}

// Resolver maps a username to an Account.
type Resolver interface {
	Resolve(username string) (*Account, error)
}

// SystemResolver resolves accounts from the OS user database.
type SystemResolver struct{}

// Resolve looks username up in the user database.
func (SystemResolver) Resolve(username string) (*Account, error) {
	if username == "" {
		return nil, fmt.Errorf("empty username")
	}
	u, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("unknown user %q: %w", username, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("user %q has non-numeric uid %q", username, u.Uid)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("user %q has non-numeric gid %q", username, u.Gid)
	}

	account := &Account{
		Username: u.Username,
		UID:      uint32(uid),
		GID:      uint32(gid),
		HomeDir:  u.HomeDir,
	}
	if ids, err := u.GroupIds(); err == nil {
		for _, id := range ids {
			if g, err := strconv.ParseUint(id, 10, 32); err == nil {
				account.Groups = append(account.Groups, uint32(g))
			}
		}
	}
	if account.HomeDir == "" {
		account.HomeDir = "/"
	}
	return account, nil
}
