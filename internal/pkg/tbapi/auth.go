package tbapi

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/jake-scott/thingsboard-rpc/internal/pkg/logging"
	"github.com/jake-scott/thingsboard-rpc/version"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

func hashOf(s string) string {
	sum := sha1.Sum([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// jwtSource obtains platform JWTs, preferring the refresh token flow and
// falling back to a username/password login
type jwtSource struct {
	c *Live

	mu           sync.Mutex
	refreshToken string
}

// boundSource runs the token flows under the context of the call that
// needed a token
type boundSource struct {
	ctx context.Context
	s   *jwtSource
}

func (b boundSource) Token() (*oauth2.Token, error) {
	return b.s.token(b.ctx)
}

func (s *jwtSource) token(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refreshToken != "" {
		tok, err := s.refresh(ctx)
		if err == nil {
			return tok, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		logging.Logger(ctx).WithError(err).Info("refreshing session token, logging in again")
	}

	return s.login(ctx)
}

func (s *jwtSource) login(ctx context.Context) (*oauth2.Token, error) {
	return s.tokenFlow(ctx, "/api/auth/login", loginRequest{Username: s.c.username, Password: s.c.password})
}

func (s *jwtSource) refresh(ctx context.Context) (*oauth2.Token, error) {
	return s.tokenFlow(ctx, "/api/auth/token", refreshRequest{RefreshToken: s.refreshToken})
}

func (s *jwtSource) tokenFlow(ctx context.Context, path string, req interface{}) (*oauth2.Token, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encoding token request")
	}

	ctx, cancel := s.c.makeContext(ctx, 0)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.c.url(path, nil), bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, errors.Wrap(err, "creating token request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())

	logging.Logger(ctx).Debugf("sending token request to [%s]", httpReq.URL)

	resp, err := s.c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "executing token request")
	}
	defer resp.Body.Close()

	bodyBytes, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading response body")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("non-200 code from token URL %s: %d (%s): %s", path, resp.StatusCode, resp.Status, bodyBytes)
	}

	tokenResp := tokenResponse{}
	if err := json.Unmarshal(bodyBytes, &tokenResp); err != nil {
		return nil, errors.Wrap(err, "decoding token response")
	}
	if tokenResp.Token == "" {
		return nil, errors.New("token response has no token")
	}

	s.refreshToken = tokenResp.RefreshToken

	tok := &oauth2.Token{
		AccessToken:  tokenResp.Token,
		TokenType:    "Bearer",
		RefreshToken: tokenResp.RefreshToken,
		Expiry:       tokenExpiry(tokenResp.Token),
	}
	logging.Logger(ctx).Debugf("session token %s valid until %s", hashOf(tok.AccessToken), tok.Expiry)

	return tok, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// platform is the only party that needs to trust the token.  Zero means
// unknown, in which case the token is used until the platform rejects it.
func tokenExpiry(token string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		logging.Logger(nil).WithError(err).Debug("parsing session token claims")
		return time.Time{}
	}

	if claims.ExpiresAt == nil {
		return time.Time{}
	}

	return claims.ExpiresAt.Time
}

// tokenState caches the current session token of one Live client
type tokenState struct {
	mu      sync.Mutex
	source  *jwtSource
	current *oauth2.Token
}

func newTokenState(c *Live) *tokenState {
	return &tokenState{source: &jwtSource{c: c}}
}

// token returns the cached token while it is valid, otherwise renews it
// under ctx
func (t *tokenState) token(ctx context.Context) (*oauth2.Token, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tok, err := oauth2.ReuseTokenSource(t.current, boundSource{ctx: ctx, s: t.source}).Token()
	if err != nil {
		return nil, err
	}
	t.current = tok

	return tok, nil
}

// invalidate drops the cached access token, keeping the refresh token
func (t *tokenState) invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.current = nil
}

// reset forgets everything, used after logout
func (t *tokenState) reset() {
	t.source.mu.Lock()
	t.source.refreshToken = ""
	t.source.mu.Unlock()

	t.invalidate()
}

// obfuscate tokens when stringified
func (t *tokenState) String() string {
	t.source.mu.Lock()
	defer t.source.mu.Unlock()

	return fmt.Sprintf("refreshToken [%s]", hashOf(t.source.refreshToken))
}
