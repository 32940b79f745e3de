// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package seq2seq

import (
	"context"
	"net/http"

	"github.com/born-ml/seq2seq/internal/server"
)

// Predict generates one output per input, in input order, with the
// decoding settings of the configuration (max_length, do_sample, top_k,
// top_p, repetition_penalty, num_beams).
//
// Example:
//
//	outputs, err := model.Predict(ctx, []string{
//	    "translate: good morning",
//	    "translate: thank you",
//	})
func (m *Model) Predict(ctx context.Context, inputs []string) ([]string, error) {
	return m.predictor(m.args).Predict(ctx, inputs)
}

func (m *Model) server() *server.Server {
	return server.New(m.predictor(m.args), server.Info{
		ModelName: m.args.ModelName,
		ModelType: m.args.ModelType,
		Device:    m.net.Device().String(),
	}, m.log)
}

// Handler serves POST /v1/predict and GET /healthz.
func (m *Model) Handler() http.Handler {
	return m.server().Handler()
}

// Serve listens on addr until ctx is done.
func (m *Model) Serve(ctx context.Context, addr string) error {
	return m.server().Serve(ctx, addr)
}
