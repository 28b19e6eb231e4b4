package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"auth-engine/internal/bucketing"
	"auth-engine/internal/client"
	"auth-engine/internal/config"
	"auth-engine/internal/model"
	"auth-engine/internal/util"
)

// Recorder appends security events to ClickHouse and fans them out to
// Kafka and Elasticsearch. The ClickHouse insert is authoritative; the
// fan-out is best effort and never fails the caller.
type Recorder struct {
	clickhouse *client.ClickHouseClient
	kafka      *client.KafkaProducer
	es         *client.ESClient
	buckets    *bucketing.BucketingManager
	config     *config.Config
}

func NewRecorder(
	cfg *config.Config,
	clickhouse *client.ClickHouseClient,
	kafka *client.KafkaProducer,
	es *client.ESClient,
	buckets *bucketing.BucketingManager,
) (*Recorder, error) {
	r := &Recorder{
		clickhouse: clickhouse,
		kafka:      kafka,
		es:         es,
		buckets:    buckets,
		config:     cfg,
	}

	if err := r.ensureTable(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) ensureTable() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ddl := `
        CREATE TABLE IF NOT EXISTS security_events (
            event_bucket Int32,
            account_id String,
            event_date Date,
            event_time DateTime64(3),
            event_type LowCardinality(String),
            device_id String,
            session_id String,
            ip_address String,
            risk_score Int32,
            details String
        ) ENGINE = MergeTree()
        PARTITION BY toYYYYMM(event_date)
        ORDER BY (event_bucket, account_id, event_time)`

	if err := r.clickhouse.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure security_events table: %w", err)
	}
	return nil
}

// Record writes one event. The account id seeds the event bucket and the
// Kafka partition key, keeping one account's trail ordered.
func (r *Recorder) Record(ctx context.Context, event *model.AuditEvent) error {
	if event.EventTime.IsZero() {
		event.EventTime = time.Now().UTC()
	}
	if event.EventDate == "" {
		event.EventDate = event.EventTime.Format("2006-01-02")
	}
	event.EventBucket = r.buckets.GetEventBucket(event.AccountID)

	ipStr := ""
	if event.IPAddress != nil {
		ipStr = event.IPAddress.String()
	}

	if err := r.clickhouse.Exec(ctx, `
        INSERT INTO security_events (
            event_bucket, account_id, event_date, event_time, event_type,
            device_id, session_id, ip_address, risk_score, details
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventBucket, event.AccountID, event.EventDate, event.EventTime,
		string(event.EventType), event.DeviceID, event.SessionID, ipStr,
		event.RiskScore, event.Details); err != nil {
		util.Error("Failed to record audit event",
			zap.String("account_id", event.AccountID),
			zap.String("event_type", string(event.EventType)),
			zap.Error(err))
		return fmt.Errorf("failed to record audit event: %w", err)
	}

	r.fanOut(event, ipStr)
	return nil
}

// fanOut publishes to Kafka and indexes into Elasticsearch concurrently.
// Runs detached from the request context; failures are logged and dropped.
func (r *Recorder) fanOut(event *model.AuditEvent, ipStr string) {
	payload, err := json.Marshal(event)
	if err != nil {
		util.Error("Failed to marshal audit event for fan-out", zap.Error(err))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)

		if r.kafka != nil {
			g.Go(func() error {
				return r.kafka.ProduceMessage(gctx, r.config.Kafka.AuditTopic,
					[]byte(event.AccountID), payload,
					map[string]string{"event_type": string(event.EventType)})
			})
		}

		if r.es != nil {
			g.Go(func() error {
				doc := map[string]interface{}{
					"account_id": event.AccountID,
					"event_date": event.EventDate,
					"event_time": event.EventTime,
					"event_type": string(event.EventType),
					"device_id":  event.DeviceID,
					"session_id": event.SessionID,
					"ip_address": ipStr,
					"risk_score": event.RiskScore,
					"details":    event.Details,
				}
				res, err := r.es.IndexDocument(gctx, r.config.Elasticsearch.AuditIndex, uuid.New().String(), doc)
				if err != nil {
					return err
				}
				defer res.Body.Close()
				if res.IsError() {
					return fmt.Errorf("elasticsearch index error: %s", res.Status())
				}
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			util.Warn("Audit fan-out degraded",
				zap.String("account_id", event.AccountID),
				zap.String("event_type", string(event.EventType)),
				zap.Error(err))
		}
	}()
}

// SearchResult is one hit of the admin-facing event search.
type SearchResult struct {
	AccountID string    `json:"account_id"`
	EventTime time.Time `json:"event_time"`
	EventType string    `json:"event_type"`
	DeviceID  string    `json:"device_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	RiskScore int       `json:"risk_score"`
	Details   string    `json:"details,omitempty"`
}

// Search queries the Elasticsearch index for one account's trail,
// newest first.
func (r *Recorder) Search(ctx context.Context, accountID string, eventType string, limit int) ([]*SearchResult, error) {
	if r.es == nil {
		return nil, fmt.Errorf("event search unavailable")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	must := []map[string]interface{}{
		{"term": map[string]interface{}{"account_id.keyword": accountID}},
	}
	if eventType != "" {
		must = append(must, map[string]interface{}{
			"term": map[string]interface{}{"event_type.keyword": eventType},
		})
	}

	query := map[string]interface{}{
		"size": limit,
		"sort": []map[string]interface{}{
			{"event_time": map[string]interface{}{"order": "desc"}},
		},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"must": must},
		},
	}

	res, err := r.es.Search(ctx, r.config.Elasticsearch.AuditIndex, query)
	if err != nil {
		return nil, fmt.Errorf("event search failed: %w", err)
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source *SearchResult `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := r.es.ParseResponse(res, &parsed); err != nil {
		return nil, fmt.Errorf("event search failed: %w", err)
	}

	results := make([]*SearchResult, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		if hit.Source != nil {
			results = append(results, hit.Source)
		}
	}
	return results, nil
}
