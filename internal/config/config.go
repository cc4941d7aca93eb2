package config

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultPortMap maps the logical sensor ports to the factory I2C addresses of the
// EZO circuits: conductivity, ORP, pH, dissolved oxygen, RTD.
const DefaultPortMap = "1=0x64,2=0x62,3=0x63,4=0x61,5=0x66"

const defaultParamsFile = "params.yaml"

type Config struct {
	AppEnv       string
	LogLevel     slog.Level
	MQTTBroker   string
	MQTTPort     int
	MQTTClientID string
	MQTTQoS      byte

	// ParamsFile backs the runtime parameters (topics, ports, rate).
	// ParamsRequired is set when PARAMS_FILE was given explicitly.
	ParamsFile     string
	ParamsRequired bool

	BusDriver    string
	I2CBus       string
	I2CPortMap   map[string]uint16
	I2CReadDelay time.Duration

	DeviceSourceID string

	TimeRefStartupTimeout time.Duration
	TimeRefMaxWait        time.Duration

	HTTPAddr       string
	HealthInterval time.Duration
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	mqttBroker := strings.TrimSpace(os.Getenv("MQTT_BROKER"))
	if mqttBroker == "" {
		mqttBroker = "localhost"
	}

	mqttPortStr := strings.TrimSpace(os.Getenv("MQTT_PORT"))
	if mqttPortStr == "" {
		mqttPortStr = "1883"
	}
	mqttPort, err := strconv.Atoi(mqttPortStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid MQTT_PORT %q: %w", mqttPortStr, err)
	}

	mqttClientID := strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID"))
	if mqttClientID == "" {
		mqttClientID = "atlas-gateway"
	}

	mqttQoSStr := strings.TrimSpace(os.Getenv("MQTT_QOS"))
	if mqttQoSStr == "" {
		mqttQoSStr = "1"
	}
	mqttQoS, err := strconv.ParseUint(mqttQoSStr, 10, 8)
	if err != nil || mqttQoS > 2 {
		return Config{}, fmt.Errorf("invalid MQTT_QOS %q (allowed: 0, 1, 2)", mqttQoSStr)
	}

	paramsFile := strings.TrimSpace(os.Getenv("PARAMS_FILE"))
	paramsRequired := paramsFile != ""
	if paramsFile == "" {
		paramsFile = defaultParamsFile
	}

	busDriver := strings.ToLower(strings.TrimSpace(os.Getenv("BUS_DRIVER")))
	if busDriver == "" {
		busDriver = "i2c"
	}
	switch busDriver {
	case "i2c", "sim":
	default:
		return Config{}, fmt.Errorf("invalid BUS_DRIVER %q (allowed: i2c, sim)", busDriver)
	}

	i2cBus := strings.TrimSpace(os.Getenv("I2C_BUS"))

	portMapStr := strings.TrimSpace(os.Getenv("I2C_PORT_MAP"))
	if portMapStr == "" {
		portMapStr = DefaultPortMap
	}
	portMap, err := ParsePortMap(portMapStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid I2C_PORT_MAP %q: %w", portMapStr, err)
	}

	readDelayStr := strings.TrimSpace(os.Getenv("I2C_READ_DELAY"))
	if readDelayStr == "" {
		readDelayStr = "900ms"
	}
	readDelay, err := time.ParseDuration(readDelayStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid I2C_READ_DELAY %q: %w", readDelayStr, err)
	}
	if readDelay < 0 {
		return Config{}, fmt.Errorf("I2C_READ_DELAY must not be negative, got %v", readDelay)
	}

	deviceSourceID := strings.TrimSpace(os.Getenv("DEVICE_SOURCE_ID"))
	if deviceSourceID == "" {
		deviceSourceID = "atlaspi"
	}

	startupTimeout, err := durationEnv("TIMEREF_STARTUP_TIMEOUT", "0s")
	if err != nil {
		return Config{}, err
	}

	maxWait, err := durationEnv("TIMEREF_MAX_WAIT", "2s")
	if err != nil {
		return Config{}, err
	}

	// "off" disables the health and metrics listener.
	httpAddr := strings.TrimSpace(os.Getenv("HTTP_ADDR"))
	switch httpAddr {
	case "":
		httpAddr = ":9100"
	case "off":
		httpAddr = ""
	}

	healthInterval, err := durationEnv("HEALTH_INTERVAL", "30s")
	if err != nil {
		return Config{}, err
	}

	return Config{
		AppEnv:                appEnv,
		LogLevel:              level,
		MQTTBroker:            mqttBroker,
		MQTTPort:              mqttPort,
		MQTTClientID:          mqttClientID,
		MQTTQoS:               byte(mqttQoS),
		ParamsFile:            paramsFile,
		ParamsRequired:        paramsRequired,
		BusDriver:             busDriver,
		I2CBus:                i2cBus,
		I2CPortMap:            portMap,
		I2CReadDelay:          readDelay,
		DeviceSourceID:        deviceSourceID,
		TimeRefStartupTimeout: startupTimeout,
		TimeRefMaxWait:        maxWait,
		HTTPAddr:              httpAddr,
		HealthInterval:        healthInterval,
	}, nil
}

// ParsePortMap parses "port=addr" pairs separated by commas. Addresses accept
// any base strconv understands ("0x63", "99").
func ParsePortMap(s string) (map[string]uint16, error) {
	out := make(map[string]uint16)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		port, addrStr, ok := strings.Cut(pair, "=")
		port = strings.TrimSpace(port)
		if !ok || port == "" {
			return nil, fmt.Errorf("entry %q is not port=address", pair)
		}
		addr, err := strconv.ParseUint(strings.TrimSpace(addrStr), 0, 7)
		if err != nil {
			return nil, fmt.Errorf("port %q address %q: %w", port, addrStr, err)
		}
		if _, dup := out[port]; dup {
			return nil, fmt.Errorf("port %q listed twice", port)
		}
		out[port] = uint16(addr)
	}
	return out, nil
}

// FormatPortMap renders a port map in the form ParsePortMap accepts.
func FormatPortMap(m map[string]uint16) string {
	ports := make([]string, 0, len(m))
	for p := range m {
		ports = append(ports, p)
	}
	sort.Strings(ports)
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = fmt.Sprintf("%s=0x%02x", p, m[p])
	}
	return strings.Join(parts, ",")
}

func durationEnv(key, def string) (time.Duration, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		s = def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %v", key, d)
	}
	return d, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
