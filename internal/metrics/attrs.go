package metrics

import "go.opentelemetry.io/otel/attribute"

func directionAttr(direction string) attribute.KeyValue {
	return attribute.String("direction", direction)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String("reason", reason)
}
