package auth

import (
	"bytes"
	"log"

	"github.com/mevdschee/tqsqlproxy/packet"
	"github.com/mevdschee/tqsqlproxy/users"
)

// Native implements mysql_native_password. One instance belongs to one
// backend connection; it carries the pending auth-switch state between
// Extract and Authenticate.
type Native struct {
	users *users.Service

	pendingSwitch bool
	lastSeq       byte
}

// NewNative creates a native-password authenticator backed by the given
// user repository.
func NewNative(u *users.Service) *Native {
	return &Native{users: u}
}

func (n *Native) DefaultName() string {
	return packet.DEFAULT_AUTH_PLUGIN
}

// Extract consumes the server's reply to the handshake response: an OK,
// an ERR, or an AuthSwitchRequest. The packet includes its header.
func (n *Native) Extract(b Backend, pkt []byte) Result {
	if len(pkt) < packet.HeaderLen+1 {
		return Failed
	}
	n.lastSeq = pkt[3]
	switch packet.ClassifyPacket(pkt) {
	case packet.ReplyOK:
		n.pendingSwitch = false
		return Succeeded
	case packet.ReplyAuthSwitch:
		plugin, scramble, err := packet.ParseAuthSwitch(pkt[packet.HeaderLen:])
		if err != nil {
			return Failed
		}
		if plugin != packet.DEFAULT_AUTH_PLUGIN {
			log.Printf("[Auth] Server requested unsupported plugin %q", plugin)
			return Failed
		}
		b.SetScramble(scramble)
		n.pendingSwitch = true
		return Incomplete
	default:
		return Failed
	}
}

// Authenticate answers a pending auth switch with the recomputed token
// and waits for the server's verdict; with nothing pending the
// extracted OK already finished the exchange.
func (n *Native) Authenticate(b Backend) Result {
	if !n.pendingSwitch {
		return Succeeded
	}
	_, sha1, _ := b.Identity()
	token := packet.TokenFromSHA1(b.Scramble(), sha1)
	resp := make([]byte, packet.HeaderLen, packet.HeaderLen+len(token))
	resp = append(resp, token...)
	pl := len(resp) - packet.HeaderLen
	resp[0] = byte(pl)
	resp[1] = byte(pl >> 8)
	resp[2] = byte(pl >> 16)
	resp[3] = n.lastSeq + 1
	if err := b.Send(resp); err != nil {
		return Failed
	}
	n.pendingSwitch = false
	return Incomplete
}

// Reauthenticate verifies the token a client sent in COM_CHANGE_USER
// against the repository, using the scramble the proxy issued to the
// client.
func (n *Native) Reauthenticate(user string, token, clientScramble []byte) ([20]byte, Result) {
	var sha1 [20]byte
	account, ok := n.users.Fetch(user)
	if !ok {
		return sha1, Failed
	}
	if !account.HasPassword {
		if len(token) != 0 {
			return sha1, Failed
		}
		return sha1, Succeeded
	}
	expected := packet.TokenFromSHA1(clientScramble, account.SHA1[:])
	if !bytes.Equal(token, expected) {
		return sha1, Failed
	}
	return account.SHA1, Succeeded
}
