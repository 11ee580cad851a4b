package redis

import (
	"context"
	"encoding/json"

	"github.com/clearing-node/arb-node/round"
	"github.com/redis/go-redis/v9"
)

// ReportPublisher publishes every round report as json on a pub/sub channel
type ReportPublisher struct {
	client     *redis.Client
	pubChannel string
}

func NewReportPublisher(client *redis.Client, pubChannel string) *ReportPublisher {
	return &ReportPublisher{
		client:     client,
		pubChannel: pubChannel,
	}
}

func (p *ReportPublisher) StoreReport(ctx context.Context, report *round.Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.pubChannel, data).Err()
}
