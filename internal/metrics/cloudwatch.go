package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	appconfig "stockflow/config"
	"stockflow/logger"
)

// Publisher pushes counter snapshots to CloudWatch on a fixed interval.
// When the AWS configuration cannot be loaded the publisher stays disabled
// and the in-process counters keep working.
type Publisher struct {
	client    *cloudwatch.Client
	namespace string
	interval  time.Duration
	wg        sync.WaitGroup
	log       *logger.Log
}

// NewPublisher creates a CloudWatch publisher from configuration.
func NewPublisher(ctx context.Context, cfg appconfig.CloudWatchConfig) (*Publisher, error) {
	log := logger.GetLogger()

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "Stockflow"
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	p := &Publisher{
		client:    cloudwatch.NewFromConfig(awsCfg),
		namespace: namespace,
		interval:  interval,
		log:       log,
	}

	log.WithComponent("cloudwatch").WithFields(logger.Fields{
		"namespace": namespace,
		"interval":  interval,
	}).Info("cloudwatch publisher initialized")
	return p, nil
}

// Start publishes snapshots until the context is cancelled.
func (p *Publisher) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				p.publish(context.Background())
				return
			case <-ticker.C:
				p.publish(ctx)
			}
		}
	}()
}

// Stop waits for the publish loop to finish.
func (p *Publisher) Stop() {
	p.wg.Wait()
}

func (p *Publisher) publish(ctx context.Context) {
	snap := Snapshot()
	data := []cwtypes.MetricDatum{
		datum("CacheHits", snap.CacheHits),
		datum("CacheMisses", snap.CacheMisses),
		datum("UpstreamCalls", snap.UpstreamCalls),
		datum("BarsFetched", snap.BarsFetched),
		datum("BarsPersisted", snap.BarsPersisted),
		datum("StoreErrors", snap.StoreErrors),
		datum("FeedErrors", snap.FeedErrors),
	}

	_, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(p.namespace),
		MetricData: data,
	})
	if err != nil {
		p.log.WithComponent("cloudwatch").WithError(err).Warn("failed to publish metrics")
	}
}

func datum(name string, value int64) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Unit:       cwtypes.StandardUnitCount,
		Value:      aws.Float64(float64(value)),
	}
}
