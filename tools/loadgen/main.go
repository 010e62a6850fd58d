// loadgen publishes synthetic device telemetry to the broker for soak and perf runs.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"telemetry-ingest/internal/observability/logging"
)

type config struct {
	brokerURL    string
	username     string
	password     string
	topicPattern string
	devicePrefix string
	deviceCount  int
	messages     int
	interval     time.Duration
	qos          int
	malformed    float64
	tsMode       string
}

func main() {
	cfg := parseConfig()
	logger := logging.Component(logging.New(envOrDefault("LOG_LEVEL", "info"), logging.FormatConsole, os.Stderr), "loadgen")

	if cfg.deviceCount <= 0 {
		logger.Fatal().Msg("device-count must be > 0")
	}
	if !strings.Contains(cfg.topicPattern, "%s") {
		logger.Fatal().Str("topic", cfg.topicPattern).Msg("topic must contain %s for the device id")
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.brokerURL).
		SetClientID("telemetry-loadgen-" + uuid.NewString()[:8]).
		SetUsername(cfg.username).
		SetPassword(cfg.password).
		SetConnectTimeout(10 * time.Second)
	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatal().Err(token.Error()).Str("broker", cfg.brokerURL).Msg("connect failed")
	}
	defer client.Disconnect(250)

	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex
	failures := 0
	for i := 1; i <= cfg.deviceCount; i++ {
		deviceID := fmt.Sprintf("%s%04d", cfg.devicePrefix, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			failed := publishDevice(client, cfg, deviceID, logger)
			mu.Lock()
			failures += failed
			mu.Unlock()
		}()
	}
	wg.Wait()

	total := cfg.deviceCount * cfg.messages
	logger.Info().
		Int("published", total-failures).
		Int("failed", failures).
		Dur("elapsed", time.Since(start)).
		Msg("loadgen completed")
}

func publishDevice(client paho.Client, cfg config, deviceID string, logger zerolog.Logger) int {
	topic := fmt.Sprintf(cfg.topicPattern, deviceID)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	failed := 0
	for n := 0; n < cfg.messages; n++ {
		body := buildPayload(rng, cfg, n)
		token := client.Publish(topic, byte(cfg.qos), false, body)
		if token.Wait() && token.Error() != nil {
			failed++
			logger.Warn().Err(token.Error()).Str("device_id", deviceID).Msg("publish failed")
		}
		if cfg.interval > 0 {
			time.Sleep(cfg.interval)
		}
	}
	return failed
}

func buildPayload(rng *rand.Rand, cfg config, seq int) []byte {
	if cfg.malformed > 0 && rng.Float64() < cfg.malformed {
		return []byte("not-json")
	}
	payload := map[string]any{
		"v":   20 + rng.Float64()*10,
		"seq": seq,
	}
	now := time.Now().UTC()
	switch cfg.tsMode {
	case "ms":
		payload["ts"] = now.UnixMilli()
	case "s":
		payload["ts"] = now.Unix()
	case "iso":
		payload["ts"] = now.Format(time.RFC3339Nano)
	}
	body, _ := json.Marshal(payload)
	return body
}

func parseConfig() config {
	cfg := config{}
	flag.StringVar(&cfg.brokerURL, "broker", envOrDefault("MQTT_URL", "tcp://localhost:1883"), "broker URL")
	flag.StringVar(&cfg.username, "username", envOrDefault("MQTT_USERNAME", ""), "broker username")
	flag.StringVar(&cfg.password, "password", envOrDefault("MQTT_PASSWORD", ""), "broker password")
	flag.StringVar(&cfg.topicPattern, "topic", envOrDefault("LOADGEN_TOPIC", "devices/%s/telemetry"), "topic pattern; %s is the device id")
	flag.StringVar(&cfg.devicePrefix, "device-prefix", envOrDefault("LOADGEN_DEVICE_PREFIX", "sensor-"), "device id prefix")
	flag.IntVar(&cfg.deviceCount, "device-count", envOrInt("LOADGEN_DEVICE_COUNT", 10), "number of devices")
	flag.IntVar(&cfg.messages, "messages", envOrInt("LOADGEN_MESSAGES", 100), "messages per device")
	flag.DurationVar(&cfg.interval, "interval", 100*time.Millisecond, "delay between messages per device")
	flag.IntVar(&cfg.qos, "qos", envOrInt("MQTT_QOS", 1), "publish QoS")
	flag.Float64Var(&cfg.malformed, "malformed-rate", 0, "fraction of non-JSON payloads")
	flag.StringVar(&cfg.tsMode, "ts", "ms", "timestamp style: ms, s, iso or none")
	flag.Parse()
	return cfg
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
