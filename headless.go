package main

import (
	"context"
	"fmt"
	"time"

	"intervox/log"
)

const endCallTimeout = 10 * time.Second

// runHeadless starts or resumes a call, prints status changes and ends the
// call on SIGINT/SIGTERM.
func runHeadless(ctx context.Context, a *app) int {
	changes := watchChanges(a)
	a.mount(ctx)
	a.toggle(ctx, true)
	if !a.session.IsCallActive() {
		st := a.status()
		if st.Notice != nil {
			fmt.Println(st.Notice.Message)
		}
		return 1
	}

	var last string
	poll(ctx, a, changes, func(st appStatus) {
		if line := st.String(); line != last {
			last = line
			fmt.Println(line)
		}
	})

	log.Info("headless: ending call")
	endCtx, cancel := context.WithTimeout(context.Background(), endCallTimeout)
	defer cancel()
	a.toggle(endCtx, false)
	fmt.Println(a.status().String())
	return 0
}
