package cmd

import (
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"

	"github.com/liuxd6825/cdpcore/common"
	"github.com/liuxd6825/cdpcore/log"
)

func TestEventPrinter(t *testing.T) {
	t.Parallel()

	ts := newGlobalTestState(t)
	p := newEventPrinter(ts.globalState)

	fm := common.NewFrameManager(log.NewNullLogger(), nil)
	p.onFrameEvent(common.Event[common.EventKind]{
		Kind: common.EventFrameAttached,
		Data: common.NewFrame(fm, "F1", ""),
	})
	p.onFrameEvent(common.Event[common.EventKind]{
		Kind: common.EventFrameLifecycle,
		Data: &common.FrameLifecycleEvent{Frame: common.NewFrame(fm, "F1", ""), Name: common.LifecycleEventLoad},
	})

	req := common.NewRequest(&network.EventRequestWillBeSent{
		RequestID: "R1",
		LoaderID:  "R1",
		Type:      network.ResourceTypeDocument,
		Request:   &network.Request{URL: "https://example.com/", Method: "GET"},
	}, nil, nil, "", false)
	p.onNetworkEvent(common.Event[common.EventKind]{Kind: common.EventRequest, Data: req})

	// Payloads of the wrong type are ignored.
	p.onNetworkEvent(common.Event[common.EventKind]{Kind: common.EventResponse, Data: req})

	assert.Equal(t,
		"frameattached    F1 parent:- url:\n"+
			"lifecycleevent   F1 load\n"+
			"request          GET https://example.com/ (document)\n",
		ts.stdOut.String())
}
