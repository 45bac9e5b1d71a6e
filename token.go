package relay

import (
	"context"

	"github.com/yanun0323/errors"
)

// TokenSource supplies the session token. Token may block; it is called once
// per connect attempt and should honour ctx.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, error)

func (f TokenSourceFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", errors.New("relay: empty static token")
	}
	return string(t), nil
}

// TokenSource returns a TokenSource that refreshes the token over the REST API
// on every call.
func (c *Client) TokenSource() TokenSource {
	return TokenSourceFunc(func(ctx context.Context) (string, error) {
		res, err := c.RefreshToken(ctx)
		if err != nil {
			return "", errors.Wrap(err, "refresh token")
		}
		if res.Token == "" {
			return "", errors.New("relay: refresh returned an empty token")
		}
		return res.Token, nil
	})
}
