package tbapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/jake-scott/thingsboard-rpc/internal/pkg/logging"
	"github.com/jake-scott/thingsboard-rpc/version"
)

const defaultTimeout = time.Second * 30

type Live struct {
	baseURL    *url.URL
	username   string
	password   string
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	tokens     *tokenState
}

func NewLiveClient(baseURL string, username string, password string) (*Live, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "parsing platform URL %s", baseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("platform URL %s must be http or https", baseURL)
	}

	c := &Live{
		baseURL:    u,
		username:   username,
		password:   password,
		timeout:    defaultTimeout,
		httpClient: &http.Client{},
	}
	c.tokens = newTokenState(c)

	return c, nil
}

// Each copy gets its own session so the token flows use the copy's settings
func (c *Live) clone() *Live {
	nc := *c
	nc.tokens = newTokenState(&nc)
	return &nc
}

func (c *Live) WithTimeout(d time.Duration) Platform {
	nc := c.clone()
	nc.timeout = d
	return nc
}

func (c *Live) WithInsecureSkipVerify() Platform {
	nc := c.clone()
	nc.httpClient = &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	return nc
}

func (c *Live) WithRateLimit(r rate.Limit, burst int) Platform {
	nc := c.clone()
	nc.limiter = rate.NewLimiter(r, burst)
	return nc
}

func (c *Live) url(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	return u.String()
}

func (c *Live) makeContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	var cancel context.CancelFunc = func() {}
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}

	return ctx, cancel
}

// Open logs in to the platform
func (c *Live) Open(ctx context.Context) error {
	if _, err := c.tokens.token(ctx); err != nil {
		return errors.Wrap(err, "logging in to platform")
	}

	logging.Logger(ctx).Infof("logged in to %s as %s", c.baseURL, c.username)
	return nil
}

// Close logs out of the platform.  The client may be opened again.
func (c *Live) Close(ctx context.Context) error {
	defer c.tokens.reset()

	status, body, err := c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil, 0)
	if err != nil {
		return errors.Wrap(err, "logging out of platform")
	}
	if status != http.StatusOK {
		return errors.Errorf("logging out of platform: HTTP status %d: %s", status, body)
	}

	logging.Logger(ctx).Debugf("logged out of %s", c.baseURL)
	return nil
}

// Send makes an authenticated API call.  If the platform reports that the
// session has expired, the session is renewed and the call made once more.
func (c *Live) Send(ctx context.Context, method string, path string, body interface{}, query url.Values, timeout time.Duration) (int, []byte, error) {
	status, respBody, err := c.do(ctx, method, path, body, query, timeout)
	if err != nil {
		return 0, nil, err
	}

	if status == http.StatusUnauthorized {
		logging.Logger(ctx).Infof("session rejected by platform (%s), re-authenticating", respBody)
		c.tokens.invalidate()

		return c.do(ctx, method, path, body, query, timeout)
	}

	return status, respBody, nil
}

func (c *Live) do(ctx context.Context, method string, path string, body interface{}, query url.Values, timeout time.Duration) (int, []byte, error) {
	ctxLogger := logging.Logger(ctx)

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, errors.Wrap(err, "encoding request body")
		}
		reqBody = bytes.NewBuffer(b)
		ctxLogger.Debugf("%s %s: %s", method, path, b)
	} else {
		ctxLogger.Debugf("%s %s", method, path)
	}

	tok, err := c.tokens.token(ctx)
	if err != nil {
		return 0, nil, errors.Wrap(err, "fetching session token")
	}

	ctx, cancel := c.makeContext(ctx, timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, errors.Wrap(err, "waiting for rate limiter")
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), reqBody)
	if err != nil {
		return 0, nil, errors.Wrap(err, "creating request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("X-Authorization", "Bearer "+tok.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "executing %s %s", method, path)
	}
	defer resp.Body.Close()

	respBody, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, errors.Wrap(err, "reading response body")
	}

	ctxLogger.Debugf("%s %s: HTTP status %d", method, path, resp.StatusCode)

	return resp.StatusCode, respBody, nil
}

func (c *Live) CredentialsFor(ctx context.Context, deviceID string) (string, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return "", errors.New("device ID must not be empty")
	}

	path := "/api/device/" + url.PathEscape(deviceID) + "/credentials"
	status, body, err := c.Send(ctx, http.MethodGet, path, nil, nil, 0)
	if err != nil {
		return "", errors.Wrapf(err, "fetching credentials for device %s", deviceID)
	}
	if status != http.StatusOK {
		return "", errors.Errorf("fetching credentials for device %s: HTTP status %d: %s", deviceID, status, body)
	}

	creds := DeviceCredentials{}
	if err := json.Unmarshal(body, &creds); err != nil {
		return "", errors.Wrap(err, "decoding device credentials")
	}

	if creds.CredentialsType != "ACCESS_TOKEN" {
		return "", errors.Errorf("device %s uses %s credentials, not an access token", deviceID, creds.CredentialsType)
	}

	return creds.CredentialsID, nil
}
