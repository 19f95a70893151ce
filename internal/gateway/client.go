package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// APIVersion we will use from discord.
	APIVersion = "7"

	// VERSION of Sandwich-Conduit, follows Semantic Versioning.
	VERSION = "0.1"

	// EndpointDiscord denotes the base URL for all api requests.
	EndpointDiscord = "https://discordapp.com/"

	// EndpointAPI is the url subset for getting the actual API base url.
	EndpointAPI = EndpointDiscord + "api/v" + APIVersion + "/"

	// EndpointGatewayBot is the URL path for retrieving the recommended
	// shards and gateway url.
	EndpointGatewayBot = EndpointAPI + "gateway/bot"
)

// ErrInvalidToken is passed when the token used to authenticate is not valid.
var ErrInvalidToken = errors.New("invalid token passed")

// Client is the minimal REST client the manager needs to bootstrap.
type Client struct {
	Token     string
	UserAgent string

	HTTP *http.Client

	// gatewayBot is the /gateway/bot url, overridable in tests.
	gatewayBot string

	log zerolog.Logger
}

// NewClient creates a REST client for the given bot token. Bot will be
// prepended if it is not added.
func NewClient(token string, logger zerolog.Logger) *Client {
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}

	return &Client{
		Token:      token,
		UserAgent:  "DiscordBot (https://github.com/TheRockettek/Sandwich-Conduit, v" + VERSION + ")",
		HTTP:       &http.Client{Timeout: 20 * time.Second},
		gatewayBot: EndpointGatewayBot,
		log:        logger,
	}
}

// FetchGatewayBot returns the gateway url, recommended shard count and
// session start limit. Ratelimits on the endpoint are waited out.
func (c *Client) FetchGatewayBot(ctx context.Context) (st *GatewayBot, err error) {
	for {
		req, err := http.NewRequestWithContext(ctx, "GET", c.gatewayBot, nil)
		if err != nil {
			return nil, err
		}

		req.Header.Set("authorization", c.Token)
		req.Header.Set("User-Agent", c.UserAgent)

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return nil, err
		}

		response, err := ioutil.ReadAll(resp.Body)
		resp.Body.Close()

		if err != nil {
			return nil, err
		}

		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			rl := TooManyRequests{}
			if err = json.Unmarshal(response, &rl); err != nil {
				return nil, err
			}

			// retry_after arrives as a millisecond count.
			retryAfter := rl.RetryAfter * time.Millisecond
			c.log.Warn().Dur("retry_after", retryAfter).Msg("Gateway request was ratelimited")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryAfter):
			}

			continue
		case http.StatusUnauthorized:
			return nil, ErrInvalidToken
		}

		st = &GatewayBot{}
		if err = json.Unmarshal(response, &st); err != nil {
			return nil, err
		}

		return st, nil
	}
}
