package core

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("github.com/mubarak-way/quran-assistant/internal/core")
