package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"chat-relay/internal/config"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Client reads relay settings from AWS SSM Parameter Store.
type Client struct {
	api ssmAPI
}

func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

// GetOptionalParameter returns the decrypted value of name. A parameter that
// does not exist is reported as ok=false, not as an error.
func (c *Client) GetOptionalParameter(ctx context.Context, name string) (string, bool, error) {
	if c.api == nil {
		return "", false, errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false, errors.New("paramstore: name is required")
	}

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var notFound *types.ParameterNotFound
		if errors.As(err, &notFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", false, errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, true, nil
}

// LoadOverrides reads <prefix>/default_model and <prefix>/cors_origins.
// Parameters that do not exist are left empty.
func (c *Client) LoadOverrides(ctx context.Context, prefix string) (config.Overrides, error) {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return config.Overrides{}, errors.New("paramstore: prefix must not be empty")
	}

	var o config.Overrides
	model, ok, err := c.GetOptionalParameter(ctx, prefix+"/default_model")
	if err != nil {
		return config.Overrides{}, fmt.Errorf("paramstore: load default model: %w", err)
	}
	if ok {
		o.DefaultModel = strings.TrimSpace(model)
	}

	origins, ok, err := c.GetOptionalParameter(ctx, prefix+"/cors_origins")
	if err != nil {
		return config.Overrides{}, fmt.Errorf("paramstore: load cors origins: %w", err)
	}
	if ok {
		o.CORSOrigins = strings.Split(origins, ",")
	}
	return o, nil
}
