// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package generic

import (
	"context"
	"net/http/httptest"
	"time"

	"github.com/containerbuildsystem/cachi2/internal/fetch"
)

func testContext() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	_ = cancel
	return ctx
}

func testFetcher(srv *httptest.Server) *fetch.Fetcher {
	f := fetch.NewFetcher()
	f.Client = srv.Client()
	f.MaxAttempts = 1
	return f
}
