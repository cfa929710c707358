package runner

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/caevv/flightd/internal/job"
)

// ErrPrivilege is returned when the agent cannot switch to the job owner.
var ErrPrivilege = errors.New("insufficient privilege to run as job owner")

// ProcAttr returns process attributes that start the child as a session
// leader running as account. Without root the child can only run as the
// agent's own user.
func ProcAttr(account *job.Account) (*syscall.SysProcAttr, error) {
	if account == nil {
		return nil, fmt.Errorf("%w: no account", ErrPrivilege)
	}
	attr := &syscall.SysProcAttr{Setsid: true}

	euid := os.Geteuid()
	if euid != 0 {
		if uint32(euid) != account.UID {
			return nil, fmt.Errorf("%w: running as uid %d, job owner %s is uid %d", ErrPrivilege, euid, account.Username, account.UID)
		}
		return attr, nil
	}

	attr.Credential = &syscall.Credential{
		Uid:    account.UID,
		Gid:    account.GID,
		Groups: account.Groups,
	}
	return attr, nil
}
