package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"

	"github.com/voxrelay/voxrelay/internal/message"
	apperrors "github.com/voxrelay/voxrelay/internal/pkg/errors"
)

// APIGatewayConfig configures delivery through a managed WebSocket gateway.
type APIGatewayConfig struct {
	Region string
	// Endpoint replaces the https://{domain}/{stage} callback URL when set.
	Endpoint string
}

// APIGatewayFactory posts frames through the API Gateway Management API. It
// holds one client per callback URL.
type APIGatewayFactory struct {
	awsCfg   aws.Config
	endpoint string

	mu      sync.Mutex
	senders map[string]*apiGatewaySender
}

// NewAPIGatewayFactory loads the default AWS configuration for cfg.Region.
func NewAPIGatewayFactory(ctx context.Context, cfg APIGatewayConfig) (*APIGatewayFactory, error) {
	var opts []func(*config.LoadOptions) error
	if region := strings.TrimSpace(cfg.Region); region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, apperrors.DependencyError("transport", fmt.Errorf("load aws config: %w", err))
	}
	return NewAPIGatewayFactoryFromConfig(awsCfg, cfg.Endpoint), nil
}

// NewAPIGatewayFactoryFromConfig builds a factory on an existing AWS config.
func NewAPIGatewayFactoryFromConfig(awsCfg aws.Config, endpoint string) *APIGatewayFactory {
	return &APIGatewayFactory{
		awsCfg:   awsCfg,
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		senders:  make(map[string]*apiGatewaySender),
	}
}

// SenderFor returns the cached client for the endpoint's callback URL.
func (f *APIGatewayFactory) SenderFor(_ context.Context, ec message.EndpointContext) (Sender, error) {
	url := f.endpoint
	if url == "" {
		if ec.DomainName == "" || ec.Stage == "" {
			return nil, apperrors.DependencyError("transport", errors.New("endpoint context lacks domain or stage"))
		}
		url = ec.EndpointURL()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.senders[url]; ok {
		return s, nil
	}

	client := apigatewaymanagementapi.NewFromConfig(f.awsCfg, func(o *apigatewaymanagementapi.Options) {
		o.BaseEndpoint = aws.String(url)
	})
	s := &apiGatewaySender{client: client}
	f.senders[url] = s
	return s, nil
}

// Clients returns the number of cached clients.
func (f *APIGatewayFactory) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.senders)
}

type apiGatewaySender struct {
	client *apigatewaymanagementapi.Client
}

func (s *apiGatewaySender) Send(ctx context.Context, connectionID string, payload []byte) error {
	_, err := s.client.PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(connectionID),
		Data:         payload,
	})
	if err == nil {
		return nil
	}

	var gone *types.GoneException
	if errors.As(err, &gone) {
		return fmt.Errorf("%w: %s", ErrGone, connectionID)
	}
	return fmt.Errorf("post to connection %s: %w", connectionID, err)
}
