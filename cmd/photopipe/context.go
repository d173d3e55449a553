package main

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"photopipe/internal/apiclient"
	"photopipe/internal/config"
)

type commandContext struct {
	apiFlag    *string
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error
}

func newCommandContext(apiFlag, configFlag *string) *commandContext {
	return &commandContext{
		apiFlag:    apiFlag,
		configFlag: configFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
	})
	return c.config, c.configErr
}

// apiAddress prefers the --api flag over the configured bind address.
func (c *commandContext) apiAddress() string {
	if c.apiFlag != nil {
		if value := strings.TrimSpace(*c.apiFlag); value != "" {
			return value
		}
	}
	if cfg, err := c.ensureConfig(); err == nil && cfg != nil {
		return cfg.Paths.APIBind
	}
	return ""
}

func (c *commandContext) client() (*apiclient.Client, error) {
	token := ""
	if cfg, err := c.ensureConfig(); err == nil && cfg != nil {
		token = cfg.Paths.APIToken
	}
	client, err := apiclient.New(c.apiAddress(), token)
	if err != nil {
		return nil, fmt.Errorf("api address: %w", err)
	}
	return client, nil
}

// withClient runs fn against the daemon API and turns connection failures
// into an actionable message.
func (c *commandContext) withClient(fn func(*apiclient.Client) error) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	return wrapAPIError(fn(client), c.apiAddress())
}

func wrapAPIError(err error, address string) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, apiclient.ErrAPIUnavailable):
		return errors.New("daemon API disabled; set paths.api_bind in the config")
	case apiclient.IsAPIUnavailable(err):
		return fmt.Errorf("connect to daemon at %s: not reachable; start it with `photopipe start`", address)
	default:
		return err
	}
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
