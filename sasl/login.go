package sasl

import (
	gosasl "github.com/emersion/go-sasl"
)

const (
	loginStateUsername = iota
	loginStatePassword
	loginStateDone
)

// Base64-encoded "Username:" and "Password:" prompts. Most LOGIN clients
// ignore the prompt text, but some compare it literally.
const (
	LoginChallengeUsername = "VXNlcm5hbWU6"
	LoginChallengePassword = "UGFzc3dvcmQ6"
)

var (
	loginPromptUsername = []byte("Username:")
	loginPromptPassword = []byte("Password:")
)

// loginServer implements the obsolete LOGIN mechanism for legacy clients.
type loginServer struct {
	state    int
	username string
	verify   func(username, password string) error
}

var _ gosasl.Server = (*loginServer)(nil)

func newLoginServer(verify func(username, password string) error) *loginServer {
	return &loginServer{verify: verify}
}

func (l *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch l.state {
	case loginStateUsername:
		// Some clients send the username as initial response.
		if response == nil {
			return loginPromptUsername, false, nil
		}
		l.username = string(response)
		l.state = loginStatePassword
		return loginPromptPassword, false, nil
	case loginStatePassword:
		l.state = loginStateDone
		if err := l.verify(l.username, string(response)); err != nil {
			return nil, true, err
		}
		return nil, true, nil
	default:
		return nil, true, gosasl.ErrUnexpectedClientResponse
	}
}
