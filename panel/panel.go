// Package panel is the HTTP client for the control panel: token acquisition,
// healthy-node listing and per-user lookups. Many panels run on self-signed
// TLS that may be disabled at runtime, so every request tries https first and
// falls back to http, with certificate verification turned off.
package panel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/bitly/go-simplejson"
	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"

	"github.com/Mtoly/XrayIPGuard/api"
)

// ErrAuthExhausted is returned when the panel could not be authenticated
// against after the full retry envelope.
var ErrAuthExhausted = errors.New("panel authentication attempts exhausted")

const (
	tokenAttempts  = 20
	userAttempts   = 5
	requestTimeout = 10 * time.Second
	userRetryDelay = 1 * time.Second
)

var schemes = []string{"https", "http"}

// User is the panel's user record, reduced to what the limit resolver needs.
type User struct {
	Username   string
	ServiceIDs []int
}

type Client struct {
	http    *resty.Client
	session *Session
	notify  api.Notifier
}

func New(session *Session, notifier api.Notifier) *Client {
	httpClient := resty.New().
		SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}).
		SetTimeout(requestTimeout)

	return &Client{
		http:    httpClient,
		session: session,
		notify:  notifier,
	}
}

func (c *Client) Session() *Session {
	return c.session
}

// backoff scales a random 2..5 second base by the attempt number, so the
// first round retries immediately and later rounds spread out.
func backoff(attempt int) time.Duration {
	return time.Duration(2+rand.Intn(4)) * time.Second * time.Duration(attempt)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// EnsureToken is a no-op when the session already carries a token. Otherwise
// it POSTs the credentials to /api/admins/token, trying https then http, up
// to 20 attempts. Every failed round is reported to the notification sink.
func (c *Client) EnsureToken(ctx context.Context) error {
	if c.session.Token() != "" {
		return nil
	}

	for attempt := 0; attempt < tokenAttempts; attempt++ {
		if err := sleepCtx(ctx, backoff(attempt)); err != nil {
			return err
		}
		for _, scheme := range schemes {
			url := fmt.Sprintf("%s://%s/api/admins/token", scheme, c.session.Domain)
			resp, err := c.http.R().
				SetContext(ctx).
				SetFormData(map[string]string{
					"username": c.session.Username,
					"password": c.session.Password,
				}).
				Post(url)
			if err != nil {
				log.WithFields(log.Fields{
					"url": url,
					"err": err,
				}).Debug("panel token request failed")
				continue
			}
			if resp.IsError() {
				message := fmt.Sprintf("[%d] %s", resp.StatusCode(), resp.String())
				log.Error(message)
				c.notify.Notify(message)
				continue
			}
			js, err := simplejson.NewJson(resp.Body())
			if err != nil {
				log.WithField("err", err).Error("panel token response is not JSON")
				continue
			}
			token := js.Get("access_token").MustString()
			if token == "" {
				continue
			}
			c.session.SetToken(token)
			return nil
		}
	}

	message := "Failed to get token after 20 attempts. Make sure the panel is running " +
		"and the username and password are correct."
	log.Error(message)
	c.notify.Notify(message)
	return ErrAuthExhausted
}

// ListHealthyNodes fetches /api/nodes?status=healthy with bearer auth. A 401
// clears the token so the next attempt re-authenticates. The response may be
// either an {items: [...]} envelope or a bare array.
func (c *Client) ListHealthyNodes(ctx context.Context) ([]api.Node, error) {
	for attempt := 0; attempt < tokenAttempts; attempt++ {
		if err := sleepCtx(ctx, backoff(attempt)); err != nil {
			return nil, err
		}
		for _, scheme := range schemes {
			url := fmt.Sprintf("%s://%s/api/nodes?status=healthy", scheme, c.session.Domain)
			// One retry per scheme so that a 401 re-authenticates and
			// completes within the same round.
			for try := 0; try < 2; try++ {
				if err := c.EnsureToken(ctx); err != nil {
					return nil, err
				}
				resp, err := c.http.R().
					SetContext(ctx).
					SetAuthToken(c.session.Token()).
					Get(url)
				if err != nil {
					log.WithFields(log.Fields{
						"url": url,
						"err": err,
					}).Debug("panel node list request failed")
					break
				}
				if resp.StatusCode() == http.StatusUnauthorized {
					c.session.ClearToken()
					continue
				}
				if resp.IsError() {
					log.Errorf("Error fetching nodes: [%d] %s", resp.StatusCode(), resp.String())
					break
				}
				nodes, err := parseNodeList(resp.Body())
				if err != nil {
					log.WithField("err", err).Error("unexpected node list payload")
					break
				}
				return nodes, nil
			}
		}
	}

	message := "Failed to get nodes after 20 attempts. Make sure the panel is running " +
		"and the username and password are correct."
	log.Error(message)
	c.notify.Notify(message)
	return nil, ErrAuthExhausted
}

func parseNodeList(body []byte) ([]api.Node, error) {
	js, err := simplejson.NewJson(body)
	if err != nil {
		return nil, err
	}

	items := js
	if _, err := js.Array(); err != nil {
		items = js.Get("items")
	}

	raw, err := items.Array()
	if err != nil {
		return nil, fmt.Errorf("node list is neither an array nor an items envelope: %w", err)
	}

	nodes := make([]api.Node, 0, len(raw))
	for i := range raw {
		item := items.GetIndex(i)
		nodes = append(nodes, api.Node{
			ID:      item.Get("id").MustInt(),
			Name:    item.Get("name").MustString(),
			Address: item.Get("address").MustString(),
			Port:    item.Get("port").MustInt(),
			Status:  item.Get("status").MustString(),
			Message: item.Get("message").MustString(),
		})
	}
	return nodes, nil
}

// GetUser fetches /api/users/{name}. A 404 yields (nil, nil); a 401 clears
// the token and retries. Up to 5 outer attempts with a 1 second sleep, after
// which the user is reported absent rather than erroring.
func (c *Client) GetUser(ctx context.Context, username string) (*User, error) {
	for attempt := 0; attempt < userAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, userRetryDelay); err != nil {
				return nil, err
			}
		}
		if err := c.EnsureToken(ctx); err != nil {
			return nil, err
		}
		for _, scheme := range schemes {
			url := fmt.Sprintf("%s://%s/api/users/%s", scheme, c.session.Domain, username)
			resp, err := c.http.R().
				SetContext(ctx).
				SetAuthToken(c.session.Token()).
				SetHeader("Accept", "application/json").
				Get(url)
			if err != nil {
				log.Errorf("Error fetching user %s: %v", username, err)
				continue
			}
			switch resp.StatusCode() {
			case http.StatusUnauthorized:
				c.session.ClearToken()
				continue
			case http.StatusNotFound:
				return nil, nil
			}
			if resp.IsError() {
				log.Errorf("Error fetching user %s: [%d] %s", username, resp.StatusCode(), resp.String())
				continue
			}
			js, err := simplejson.NewJson(resp.Body())
			if err != nil {
				log.Errorf("Error fetching user %s: %v", username, err)
				continue
			}
			user := &User{Username: username}
			sids := js.Get("service_ids")
			if arr, err := sids.Array(); err == nil {
				for i := range arr {
					user.ServiceIDs = append(user.ServiceIDs, sids.GetIndex(i).MustInt())
				}
			}
			return user, nil
		}
	}
	return nil, nil
}
