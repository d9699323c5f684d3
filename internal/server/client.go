package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client is a FitSession client.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a Client on an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return fmt.Errorf("rpc %s failed: %w", method, err)
	}
	return nil
}

// ListFits returns all fits and the active id (0 when none).
func (c *Client) ListFits(ctx context.Context) ([]map[string]any, int64, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "ListFits", &emptypb.Empty{}, out); err != nil {
		return nil, 0, err
	}
	doc := out.AsMap()
	var fits []map[string]any
	if list, ok := doc["fits"].([]any); ok {
		for _, f := range list {
			if m, ok := f.(map[string]any); ok {
				fits = append(fits, m)
			}
		}
	}
	var active int64
	if v, ok := doc["active"].(float64); ok {
		active = int64(v)
	}
	return fits, active, nil
}

// GetFit returns one fit.
func (c *Client) GetFit(ctx context.Context, id int64) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "GetFit", wrapperspb.Int64(id), out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// CreateFit creates a fit and returns its id. An empty model uses the
// server default.
func (c *Client) CreateFit(ctx context.Context, center, halfWidth float64, model string) (int64, error) {
	req, err := structpb.NewStruct(map[string]any{
		"center":     center,
		"half_width": halfWidth,
		"model":      model,
	})
	if err != nil {
		return 0, err
	}
	out := new(wrapperspb.Int64Value)
	if err := c.invoke(ctx, "CreateFit", req, out); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

// Refit fits id now and returns the updated fit.
func (c *Client) Refit(ctx context.Context, id int64) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Refit", wrapperspb.Int64(id), out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Select makes id the active fit.
func (c *Client) Select(ctx context.Context, id int64) error {
	return c.invoke(ctx, "Select", wrapperspb.Int64(id), new(emptypb.Empty))
}

// RemoveFit removes id.
func (c *Client) RemoveFit(ctx context.Context, id int64) error {
	return c.invoke(ctx, "RemoveFit", wrapperspb.Int64(id), new(emptypb.Empty))
}

// RunBatch starts a batch over energies (the server's peak list when empty).
func (c *Client) RunBatch(ctx context.Context, energies []float64) error {
	list := make([]any, len(energies))
	for i, e := range energies {
		list[i] = e
	}
	req, err := structpb.NewStruct(map[string]any{"peaks": list})
	if err != nil {
		return err
	}
	return c.invoke(ctx, "RunBatch", req, new(emptypb.Empty))
}

// GetPreview returns the PNG preview of id.
func (c *Client) GetPreview(ctx context.Context, id int64) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.invoke(ctx, "GetPreview", wrapperspb.Int64(id), out); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}
