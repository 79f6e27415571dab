package rpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// MarketTick is what gets sent to the worker for each bar. Field names are
// stable across the wire since the JSON codec has no schema evolution
// story beyond "add fields, never remove."
type MarketTick struct {
	Symbol    string             `json:"symbol"`
	Close     float64            `json:"close"`
	Volume    float64            `json:"volume"`
	Timestamp time.Time          `json:"timestamp"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
}

// SignalResponse is what the worker returns for a tick.
type SignalResponse struct {
	Direction      string   `json:"direction"` // BUY, SELL, HOLD
	Strength       float64  `json:"strength"`
	ReferencePrice float64  `json:"reference_price"`
	SuggestedSize  *float64 `json:"suggested_size,omitempty"`
	Reason         string   `json:"reason"`
}

// WorkerClient calls an external strategy worker process over gRPC using
// the JSON codec instead of generated protobuf stubs.
type WorkerClient struct {
	conn *grpc.ClientConn
}

// Dial connects to a worker at addr.
func Dial(addr string) (*WorkerClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &WorkerClient{conn: conn}, nil
}

func (w *WorkerClient) Close() error {
	if w.conn == nil {
		return nil
	}
	return w.conn.Close()
}

// OnMarketTick invokes the worker's OnMarketTick method with the JSON codec.
func (w *WorkerClient) OnMarketTick(ctx context.Context, tick MarketTick) (*SignalResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var resp SignalResponse
	err := w.conn.Invoke(ctx, method("OnMarketTick"), &tick, &resp, grpc.CallContentSubtype(ContentSubtype()))
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
