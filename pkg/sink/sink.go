package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/84hero/holding-mirror/internal/webhook"
	"github.com/84hero/holding-mirror/pkg/event"
	"github.com/84hero/holding-mirror/pkg/state"
	"github.com/IBM/sarama"
	"github.com/ethereum/go-ethereum/log"
	_ "github.com/lib/pq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// Record is one applied event together with the state right after it.
type Record struct {
	Event    event.Event    `json:"event"`
	Snapshot state.Snapshot `json:"snapshot"`
}

// key identifies the record in keyed outputs.
func (r Record) key() string {
	return fmt.Sprintf("%s:%d", r.Event.Meta.TxHash.Hex(), r.Event.Meta.LogIndex)
}

// Output defines the interface for the applied-event pipeline
type Output interface {
	Name() string
	Send(ctx context.Context, records []Record) error
	Close() error
}

// --- 1. Webhook Output ---

type WebhookOutput struct {
	client   *webhook.Client
	async    bool
	queue    chan []Record
	wg       sync.WaitGroup
	closed   bool
	closedMu sync.Mutex
}

type WebhookConfig struct {
	URL            string
	Secret         string
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Async          bool
	BufferSize     int
	Workers        int
}

func NewWebhookOutput(cfg WebhookConfig) *WebhookOutput {
	client := webhook.NewClient(webhook.Config{
		URL:            cfg.URL,
		Secret:         cfg.Secret,
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	})

	wo := &WebhookOutput{
		client: client,
		async:  cfg.Async,
	}

	if cfg.Async {
		if cfg.BufferSize <= 0 {
			cfg.BufferSize = 1000
		}
		if cfg.Workers <= 0 {
			cfg.Workers = 1
		}
		wo.queue = make(chan []Record, cfg.BufferSize)
		for i := 0; i < cfg.Workers; i++ {
			wo.wg.Add(1)
			go wo.worker()
		}
	}

	return wo
}

func (w *WebhookOutput) Name() string { return "webhook" }

func (w *WebhookOutput) worker() {
	defer w.wg.Done()
	for records := range w.queue {
		if err := w.deliver(context.Background(), records); err != nil {
			log.Error("Async webhook delivery failed", "records", len(records), "err", err)
		}
	}
}

func (w *WebhookOutput) deliver(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	events := make([]event.Event, 0, len(records))
	for _, r := range records {
		events = append(events, r.Event)
	}
	last := records[len(records)-1].Snapshot
	return w.client.Send(ctx, events, &last)
}

func (w *WebhookOutput) Send(ctx context.Context, records []Record) error {
	if w.async {
		w.closedMu.Lock()
		defer w.closedMu.Unlock()
		if w.closed {
			return fmt.Errorf("webhook output is closed")
		}
		select {
		case w.queue <- records:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return w.deliver(ctx, records)
}

func (w *WebhookOutput) Close() error {
	if w.async {
		w.closedMu.Lock()
		if !w.closed {
			w.closed = true
			close(w.queue)
		}
		w.closedMu.Unlock()
		w.wg.Wait()
	}
	return nil
}

// --- 2. File Output ---

type FileOutput struct {
	path string
	mu   sync.Mutex
	file *os.File
}

func NewFileOutput(path string) (*FileOutput, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &FileOutput{path: path, file: f}, nil
}

func (f *FileOutput) Name() string { return "file" }

func (f *FileOutput) Send(ctx context.Context, records []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	enc := json.NewEncoder(f.file)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileOutput) Close() error {
	if f.file != nil {
		return f.file.Close()
	}
	return nil
}

// --- 3. Console Output ---

// ConsoleOutput prints one line per event with the resulting user balances.
type ConsoleOutput struct {
	mu sync.Mutex
}

func NewConsoleOutput() *ConsoleOutput {
	return &ConsoleOutput{}
}

func (c *ConsoleOutput) Name() string { return "console" }

func (c *ConsoleOutput) Send(ctx context.Context, records []Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range records {
		if _, err := fmt.Fprintln(os.Stdout, Format(r)); err != nil {
			return err
		}
	}
	return nil
}

func (c *ConsoleOutput) Close() error { return nil }

// Format renders a record as a single human-readable line.
func Format(r Record) string {
	balances := make([]string, 0, len(r.Snapshot.Balances.User))
	for sym, v := range r.Snapshot.Balances.User {
		balances = append(balances, sym+"="+v.String())
	}
	slices.Sort(balances)
	return fmt.Sprintf("%s stakes=%d balances=[%s] unclaimed=%v",
		r.Event, len(r.Snapshot.Stakes), strings.Join(balances, " "), r.Snapshot.Rewards.UserUnclaimedReward)
}

// --- 4. PostgreSQL Output ---

type PostgresOutput struct {
	db    *sql.DB
	table string
}

func NewPostgresOutput(url, table string) (*PostgresOutput, error) {
	if match, _ := regexp.MatchString("^[a-zA-Z0-9_]+$", table); !match {
		return nil, fmt.Errorf("invalid table name: %s", table)
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id SERIAL PRIMARY KEY,
			account TEXT,
			block_number BIGINT,
			tx_hash TEXT,
			log_index INT,
			event_kind TEXT,
			data JSONB,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE (account, tx_hash, log_index)
		);
		CREATE INDEX IF NOT EXISTS idx_%s_block ON %s (block_number);
	`, table, table, table)
	if _, err := db.Exec(query); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return &PostgresOutput{db: db, table: table}, nil
}

func (p *PostgresOutput) Name() string { return "postgres" }

func (p *PostgresOutput) Send(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	valueStrings := make([]string, 0, len(records))
	valueArgs := make([]interface{}, 0, len(records)*6)
	for i, r := range records {
		jsonData, err := json.Marshal(r)
		if err != nil {
			return err
		}
		n := i * 6
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6))
		m := r.Event.Meta
		valueArgs = append(valueArgs, r.Snapshot.Account.Hex(), m.BlockNumber, m.TxHash.Hex(), m.LogIndex, string(r.Event.Kind), jsonData)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (account, block_number, tx_hash, log_index, event_kind, data) VALUES %s ON CONFLICT (account, tx_hash, log_index) DO NOTHING", p.table, strings.Join(valueStrings, ","))
	_, err = tx.ExecContext(ctx, stmt, valueArgs...)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresOutput) Close() error { return p.db.Close() }

// --- 5. Redis Output ---

type RedisOutput struct {
	client *redis.Client
	key    string
	mode   string
}

func NewRedisOutput(addr, password string, db int, key, mode string) (*RedisOutput, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &RedisOutput{client: rdb, key: key, mode: mode}, nil
}

func (r *RedisOutput) Name() string { return "redis" }

// Send pushes records to a list or publishes them, and in both modes keeps the
// latest snapshot under "<key>:snapshot".
func (r *RedisOutput) Send(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if r.mode == "pubsub" {
			pipe.Publish(ctx, r.key, data)
		} else {
			pipe.LPush(ctx, r.key, data)
		}
	}
	snap, err := json.Marshal(records[len(records)-1].Snapshot)
	if err != nil {
		return err
	}
	pipe.Set(ctx, r.key+":snapshot", snap, 0)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisOutput) Close() error { return r.client.Close() }

// --- 6. Kafka Output ---

type KafkaOutput struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaOutput(brokers []string, topic, user, password string) (*KafkaOutput, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	if user != "" {
		config.Net.SASL.Enable = true
		config.Net.SASL.User = user
		config.Net.SASL.Password = password
	}
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return &KafkaOutput{producer: producer, topic: topic}, nil
}

func (k *KafkaOutput) Name() string { return "kafka" }

func (k *KafkaOutput) Send(ctx context.Context, records []Record) error {
	msgs := make([]*sarama.ProducerMessage, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: k.topic,
			Key:   sarama.StringEncoder(r.key()),
			Value: sarama.ByteEncoder(data),
			Headers: []sarama.RecordHeader{
				{Key: []byte("kind"), Value: []byte(r.Event.Kind)},
			},
		})
	}
	return k.producer.SendMessages(msgs)
}

func (k *KafkaOutput) Close() error { return k.producer.Close() }

// --- 7. RabbitMQ Output ---

type RabbitMQOutput struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	exchange   string
	routingKey string
}

func NewRabbitMQOutput(url, exchange, routingKey, queueName string, durable bool) (*RabbitMQOutput, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if exchange != "" {
		err = ch.ExchangeDeclare(exchange, "topic", durable, false, false, false, nil)
		if err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
	}
	if queueName != "" {
		q, err := ch.QueueDeclare(queueName, durable, false, false, false, nil)
		if err == nil {
			err = ch.QueueBind(q.Name, routingKey+".#", exchange, false, nil)
		}
		if err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
	}
	return &RabbitMQOutput{conn: conn, ch: ch, exchange: exchange, routingKey: routingKey}, nil
}

func (r *RabbitMQOutput) Name() string { return "rabbitmq" }

// Send publishes each record under "<routing_key>.<kind>".
func (r *RabbitMQOutput) Send(ctx context.Context, records []Record) error {
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		err = r.ch.PublishWithContext(ctx, r.exchange, RoutingKey(r.routingKey, rec.Event.Kind), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    rec.key(),
			Body:         data,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *RabbitMQOutput) Close() error {
	r.ch.Close()
	return r.conn.Close()
}

// RoutingKey returns the per-kind routing key under base.
func RoutingKey(base string, kind event.Kind) string {
	if base == "" {
		return string(kind)
	}
	return base + "." + string(kind)
}
