// Package namespace builds the topic, key and channel names every sink
// publishes under, so that MQTT, Valkey and Kafka agree on one layout.
package namespace

import "strings"

// Builder constructs namespace-prefixed topics and keys.
type Builder struct {
	namespace string
	selector  string
}

// New creates a new namespace builder. selector is an optional
// sub-namespace inserted after the namespace.
func New(namespace, selector string) *Builder {
	return &Builder{
		namespace: namespace,
		selector:  selector,
	}
}

// Namespace returns the namespace the builder was created with.
func (b *Builder) Namespace() string { return b.namespace }

// --- MQTT (delimiter: /) ---

// MQTTBase returns the topic root: {ns}[/{sel}]
func (b *Builder) MQTTBase() string {
	if b.selector != "" {
		return b.namespace + "/" + b.selector
	}
	return b.namespace
}

// MQTTSignalTopic returns the topic for a signal: {ns}[/{sel}]/{device}/signals/{signal}
func (b *Builder) MQTTSignalTopic(device, signal string) string {
	return b.MQTTBase() + "/" + Sanitize(device) + "/signals/" + Sanitize(signal)
}

// MQTTHealthTopic returns the topic for health status: {ns}[/{sel}]/{device}/health
func (b *Builder) MQTTHealthTopic(device string) string {
	return b.MQTTBase() + "/" + Sanitize(device) + "/health"
}

// Sanitize replaces MQTT wildcard and separator characters in a topic level.
func Sanitize(level string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(level)
}

// --- Valkey (delimiter: :) ---

// ValkeyBase returns the key prefix: {ns}[:{sel}]
func (b *Builder) ValkeyBase() string {
	return JoinKey(b.namespace, b.selector)
}

// ValkeySignalKey returns the key for a signal value: {ns}[:{sel}]:{device}:signals:{signal}
func (b *Builder) ValkeySignalKey(device, signal string) string {
	return JoinKey(b.ValkeyBase(), device, "signals", signal)
}

// ValkeyHealthKey returns the key for health status: {ns}[:{sel}]:{device}:health
func (b *Builder) ValkeyHealthKey(device string) string {
	return JoinKey(b.ValkeyBase(), device, "health")
}

// ValkeyChangesChannel returns the channel for device changes: {ns}[:{sel}]:{device}:changes
func (b *Builder) ValkeyChangesChannel(device string) string {
	return JoinKey(b.ValkeyBase(), device, "changes")
}

// JoinKey joins key segments with colons, trimming leading/trailing colons
// from each segment to avoid empty key parts (e.g., "foo::bar" or ":foo:bar:").
func JoinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// --- Kafka (delimiter: - for topics, . for health) ---

// KafkaSignalsTopic returns the default topic for signal changes: {ns}[-{sel}]-signals
func (b *Builder) KafkaSignalsTopic() string {
	return b.kafkaBase() + "-signals"
}

// KafkaHealthTopic returns the health topic paired with a signals topic: {topic}.health
func KafkaHealthTopic(signalsTopic string) string {
	return signalsTopic + ".health"
}

func (b *Builder) kafkaBase() string {
	if b.selector != "" {
		return b.namespace + "-" + b.selector
	}
	return b.namespace
}
