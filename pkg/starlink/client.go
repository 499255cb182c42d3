// Package starlink reads position and orientation from a Starlink dish
package starlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/fullstorydev/grpcurl"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/reflection/grpc_reflection_v1alpha"

	"github.com/markus-lassfolk/geolocd/pkg"
	"github.com/markus-lassfolk/geolocd/pkg/logx"
)

// Description is attached to locations reported by the dish
const Description = "starlink"

const handleMethod = "SpaceX.API.Device.Device/Handle"

// ErrNoFix is returned when the dish has no valid position
var ErrNoFix = errors.New("starlink dish has no position fix")

// APIMethod is a request name understood by the dish Handle RPC
type APIMethod string

const (
	MethodGetStatus   APIMethod = "get_status"
	MethodGetLocation APIMethod = "get_location"
)

// Invoker performs one dish API request and returns the JSON response
type Invoker interface {
	Invoke(ctx context.Context, method APIMethod) ([]byte, error)
}

// grpcInvoker calls the dish through server reflection, so no generated
// protobuf code is needed
type grpcInvoker struct {
	address string
	timeout time.Duration
}

func (g grpcInvoker) Invoke(ctx context.Context, method APIMethod) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, g.address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Starlink API: %w", err)
	}
	defer conn.Close()

	refClient := grpcreflect.NewClient(ctx, grpc_reflection_v1alpha.NewServerReflectionClient(conn))
	defer refClient.Reset()
	descSource := grpcurl.DescriptorSourceFromServer(ctx, refClient)
	resolver := grpcurl.AnyResolverFromDescriptorSource(descSource)

	request := grpcurl.NewJSONRequestParser(strings.NewReader(fmt.Sprintf(`{"%s":{}}`, method)), resolver)
	var out strings.Builder
	handler := &grpcurl.DefaultEventHandler{
		Out:       &out,
		Formatter: grpcurl.NewJSONFormatter(false, resolver),
	}
	if err := grpcurl.InvokeRPC(ctx, descSource, conn, handleMethod, nil, handler, request.Next); err != nil {
		return nil, fmt.Errorf("gRPC call %s failed: %w", method, err)
	}
	if handler.Status != nil && handler.Status.Err() != nil {
		return nil, fmt.Errorf("gRPC call %s failed: %w", method, handler.Status.Err())
	}
	return []byte(out.String()), nil
}

// Client reads the dish API
type Client struct {
	logger  *logx.Logger
	invoker Invoker
	now     func() time.Time
}

// NewClient creates a client for the dish at host:port
func NewClient(host string, port int, timeout time.Duration, logger *logx.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return NewClientWithInvoker(grpcInvoker{address: fmt.Sprintf("%s:%d", host, port), timeout: timeout}, logger)
}

// NewClientWithInvoker creates a client on top of inv
func NewClientWithInvoker(inv Invoker, logger *logx.Logger) *Client {
	return &Client{logger: logger, invoker: inv, now: time.Now}
}

func (c *Client) call(ctx context.Context, method APIMethod, out interface{}) error {
	raw, err := c.invoker.Invoke(ctx, method)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", method, err)
	}
	return nil
}

// Status returns the dish status
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.call(ctx, MethodGetStatus, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Location returns the dish position. Location access must be enabled on
// the dish for this to succeed.
func (c *Client) Location(ctx context.Context) (pkg.Location, error) {
	var resp LocationResponse
	if err := c.call(ctx, MethodGetLocation, &resp); err != nil {
		return pkg.Location{}, err
	}
	lla := resp.GetLocation.LLA
	if lla.Lat == 0 && lla.Lon == 0 {
		return pkg.Location{}, ErrNoFix
	}

	alt := lla.Alt
	loc := pkg.Location{
		Latitude:    lla.Lat,
		Longitude:   lla.Lon,
		Accuracy:    resp.GetLocation.SigmaM,
		Altitude:    &alt,
		Timestamp:   c.now(),
		Description: Description,
	}
	c.logger.LogDebugVerbose("starlink_location", map[string]interface{}{
		"lat":      loc.Latitude,
		"lon":      loc.Longitude,
		"sigma_m":  loc.Accuracy,
		"gps_mode": resp.GetLocation.Source,
	})
	return loc, nil
}

// Heading returns the dish boresight azimuth in degrees from north
func (c *Client) Heading(ctx context.Context) (float64, error) {
	status, err := c.Status(ctx)
	if err != nil {
		return 0, err
	}
	return NormalizeHeading(status.DishGetStatus.BoresightAzimuthDeg), nil
}

// NormalizeHeading maps any angle into [0, 360)
func NormalizeHeading(deg float64) float64 {
	h := math.Mod(deg, 360)
	if h < 0 {
		h += 360
	}
	return h
}

// Available reports whether the dish API answers
func (c *Client) Available(ctx context.Context) error {
	_, err := c.Status(ctx)
	return err
}
