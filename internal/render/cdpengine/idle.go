package cdpengine

import (
	"github.com/chromedp/cdproto/network"

	"github.com/JakeFAU/render-proxy/internal/render/netidle"
)

// observeNetwork feeds a tab's network events into tracker. It is
// registered with chromedp.ListenTarget.
func observeNetwork(tracker *netidle.Tracker) func(any) {
	return func(ev any) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			tracker.Started(string(e.RequestID))
		case *network.EventLoadingFinished:
			tracker.Finished(string(e.RequestID))
		case *network.EventLoadingFailed:
			tracker.Finished(string(e.RequestID))
		}
	}
}
