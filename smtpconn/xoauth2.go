package smtpconn

import (
	"fmt"

	"github.com/emersion/go-sasl"
)

// Xoauth2 is the SASL mechanism name for the XOAUTH2 scheme used by Gmail
// and Outlook. go-sasl ships OAUTHBEARER but not XOAUTH2, so the client side
// is implemented here.
const Xoauth2 = "XOAUTH2"

type xoauth2Client struct {
	username string
	token    string
}

// NewXoauth2Client returns a sasl.Client for the XOAUTH2 mechanism with the
// given username and access token.
func NewXoauth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	resp := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.username, c.token)
	return Xoauth2, []byte(resp), nil
}

// Next handles the server challenge. XOAUTH2 servers answer a rejected token
// with a base64 JSON blob and expect an empty response before the final 535.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}
