// Copyright (C) 2024 The relaysrv Authors.

package main

import (
	"encoding/json"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/pwalski/ya-relay-go/lib/relay/server"
)

var rc *rateCalculator

// statusService serves an unauthenticated JSON status document on addr. It
// is meant for localhost-only or otherwise trusted-network exposure; it
// carries no auth of its own, per the decision to keep it a plain
// operational probe rather than a public API.
func statusService(addr string, srv *server.Server) {
	rc = newRateCalculator(360, 10*time.Second, srv.BytesForwarded)

	http.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		getStatus(w, r, srv)
	})
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal(err)
	}
}

func getStatus(w http.ResponseWriter, r *http.Request, srv *server.Server) {
	stats := srv.Stats()

	status := make(map[string]interface{})
	status["startTime"] = rc.startTime
	status["uptimeSeconds"] = time.Since(rc.startTime) / time.Second
	status["numSessions"] = stats.Sessions
	status["numPending"] = stats.PendingCount
	status["slotCapacity"] = stats.SlotCapacity
	status["resumeQueued"] = stats.ResumeQueued
	status["framesForwarded"] = srv.FramesForwarded()
	status["bytesForwarded"] = srv.BytesForwarded()
	status["kbps10s1m5m15m30m60m"] = []int64{
		rc.rate(1) * 8 / 1000, // each interval is 10s
		rc.rate(60/10) * 8 / 1000,
		rc.rate(5*60/10) * 8 / 1000,
		rc.rate(15*60/10) * 8 / 1000,
		rc.rate(30*60/10) * 8 / 1000,
		rc.rate(60*60/10) * 8 / 1000,
	}
	status["goVersion"] = runtime.Version()
	status["goOS"] = runtime.GOOS
	status["goArch"] = runtime.GOARCH
	status["goMaxProcs"] = runtime.GOMAXPROCS(-1)
	status["goNumRoutine"] = runtime.NumGoroutine()

	bs, err := json.MarshalIndent(status, "", "    ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(bs)
}

type rateCalculator struct {
	counter   func() int64
	rates     []int64
	prev      int64
	startTime time.Time
}

func newRateCalculator(keepIntervals int, interval time.Duration, counter func() int64) *rateCalculator {
	r := &rateCalculator{
		rates:     make([]int64, keepIntervals),
		counter:   counter,
		startTime: time.Now(),
	}

	go r.updateRates(interval)

	return r
}

func (r *rateCalculator) updateRates(interval time.Duration) {
	for {
		now := time.Now()
		next := now.Truncate(interval).Add(interval)
		time.Sleep(next.Sub(now))

		cur := r.counter()
		rate := int64(float64(cur-r.prev) / interval.Seconds())
		copy(r.rates[1:], r.rates)
		r.rates[0] = rate
		r.prev = cur
	}
}

func (r *rateCalculator) rate(periods int) int64 {
	var tot int64
	for i := 0; i < periods; i++ {
		tot += r.rates[i]
	}
	return tot / int64(periods)
}
