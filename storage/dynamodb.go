package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/eddielth/envnode-ingest/config"
	"github.com/eddielth/envnode-ingest/logger"
	"github.com/eddielth/envnode-ingest/telemetry"
)

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoDBSink.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

type sensorItem struct {
	DeviceKey  string             `dynamodbav:"deviceKey"`
	Timestamp  int64              `dynamodbav:"timestamp"`
	McuID      string             `dynamodbav:"mcuId"`
	McuMAC     string             `dynamodbav:"mcuMac,omitempty"`
	SensorType string             `dynamodbav:"sensorType"`
	SensorID   string             `dynamodbav:"sensorId"`
	TempC      *float64           `dynamodbav:"tempC,omitempty"`
	Metrics    map[string]float64 `dynamodbav:"metrics"`
	Extras     string             `dynamodbav:"extras"`
	Raw        string             `dynamodbav:"raw"`
	ExpiresAt  int64              `dynamodbav:"expiresAt,omitempty"`
}

type statusItem struct {
	McuID     string `dynamodbav:"mcuId"`
	Timestamp int64  `dynamodbav:"timestamp"`
	McuMAC    string `dynamodbav:"mcuMac,omitempty"`
	IPAddress string `dynamodbav:"ipAddress"`
	Details   string `dynamodbav:"details"`
	ExpiresAt int64  `dynamodbav:"expiresAt,omitempty"`
}

// DynamoDBSink puts every event into one of two tables. Sensor items are
// keyed by "<mcuId>#<sensorId>" and epoch milliseconds; status items by
// MCU id and epoch milliseconds. Items carry an expiresAt TTL attribute.
type DynamoDBSink struct {
	client      DynamoDBAPI
	sensorTable string
	statusTable string
	ttl         time.Duration
	now         func() time.Time
}

// NewDynamoDBSink loads AWS credentials from the default chain.
func NewDynamoDBSink(ctx context.Context, cfg config.DynamoDBConfig) (*DynamoDBSink, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load AWS config: %w", ErrSink, err)
	}

	return NewDynamoDBSinkWithClient(dynamodb.NewFromConfig(awsCfg), cfg)
}

// NewDynamoDBSinkWithClient uses an existing client.
func NewDynamoDBSinkWithClient(client DynamoDBAPI, cfg config.DynamoDBConfig) (*DynamoDBSink, error) {
	if cfg.SensorTable == "" || cfg.StatusTable == "" {
		return nil, fmt.Errorf("%w: dynamodb storage requires sensor_table and status_table", config.ErrConfiguration)
	}

	logger.Info().Str("sensor_table", cfg.SensorTable).Str("status_table", cfg.StatusTable).Msg("DynamoDB storage configured")
	return &DynamoDBSink{
		client:      client,
		sensorTable: cfg.SensorTable,
		statusTable: cfg.StatusTable,
		ttl:         time.Duration(cfg.TTLHours) * time.Hour,
		now:         time.Now,
	}, nil
}

func (s *DynamoDBSink) expiresAt() int64 {
	if s.ttl <= 0 {
		return 0
	}
	return s.now().Add(s.ttl).Unix()
}

// SaveSensorReading puts one sensor item.
func (s *DynamoDBSink) SaveSensorReading(ctx context.Context, reading telemetry.SensorReading) error {
	extras, err := json.Marshal(reading.Extras)
	if err != nil {
		return fmt.Errorf("%w: serialize extras: %w", ErrSink, err)
	}
	raw, err := json.Marshal(reading.Raw)
	if err != nil {
		return fmt.Errorf("%w: serialize raw payload: %w", ErrSink, err)
	}

	item := sensorItem{
		DeviceKey:  reading.Key().McuID + "#" + reading.Key().SensorID,
		Timestamp:  reading.Timestamp.UnixMilli(),
		McuID:      reading.McuID,
		McuMAC:     reading.McuMAC,
		SensorType: reading.SensorType,
		SensorID:   reading.SensorID,
		TempC:      reading.TempC,
		Metrics:    reading.Metrics.Map(),
		Extras:     string(extras),
		Raw:        string(raw),
		ExpiresAt:  s.expiresAt(),
	}
	return s.put(ctx, s.sensorTable, item)
}

// SaveChipStatus puts one status item.
func (s *DynamoDBSink) SaveChipStatus(ctx context.Context, status telemetry.ChipStatus) error {
	details, err := json.Marshal(status.Details)
	if err != nil {
		return fmt.Errorf("%w: serialize details: %w", ErrSink, err)
	}

	item := statusItem{
		McuID:     status.McuID,
		Timestamp: status.Timestamp.UnixMilli(),
		McuMAC:    status.McuMAC,
		IPAddress: status.IPAddress,
		Details:   string(details),
		ExpiresAt: s.expiresAt(),
	}
	return s.put(ctx, s.statusTable, item)
}

func (s *DynamoDBSink) put(ctx context.Context, table string, item any) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("%w: marshal item: %w", ErrSink, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("%w: dynamodb put into %s: %w", ErrSink, table, err)
	}
	return nil
}

// Close implements Sink.
func (s *DynamoDBSink) Close() error {
	return nil
}
