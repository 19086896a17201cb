// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/tabconductor/internal/store"
)

func TestPublish_FiltersByRunID(t *testing.T) {
	b := New(4)
	subA := b.Subscribe("r1")
	defer subA.Unsubscribe()
	subB := b.Subscribe("r2")
	defer subB.Unsubscribe()

	b.Publish(context.Background(), &store.RunEvent{RunID: "r1", Seq: 0, Kind: store.EventRunStarted})

	select {
	case e := <-subA.C:
		assert.Equal(t, "r1", e.RunID)
	case <-time.After(time.Second):
		t.Fatal("expected event on subA")
	}

	select {
	case e := <-subB.C:
		t.Fatalf("subB should not have received an event, got %+v", e)
	default:
	}
}

func TestPublish_WildcardSeesEverything(t *testing.T) {
	b := New(4)
	all := b.Subscribe("")
	defer all.Unsubscribe()

	b.Publish(context.Background(), &store.RunEvent{RunID: "r1", Seq: 0})
	b.Publish(context.Background(), &store.RunEvent{RunID: "r2", Seq: 0})

	first := <-all.C
	second := <-all.C
	assert.ElementsMatch(t, []string{"r1", "r2"}, []string{first.RunID, second.RunID})
}

func TestPublish_PreservesSeqOrder(t *testing.T) {
	b := New(8)
	sub := b.Subscribe("r1")
	defer sub.Unsubscribe()

	for i := int64(0); i < 5; i++ {
		b.Publish(context.Background(), &store.RunEvent{RunID: "r1", Seq: i})
	}

	for i := int64(0); i < 5; i++ {
		e := <-sub.C
		require.Equal(t, i, e.Seq)
	}
}

func TestPublish_DropsOnFullSlowSubscriber(t *testing.T) {
	b := New(1)
	sub := b.Subscribe("r1")
	defer sub.Unsubscribe()

	b.Publish(context.Background(), &store.RunEvent{RunID: "r1", Seq: 0})
	b.Publish(context.Background(), &store.RunEvent{RunID: "r1", Seq: 1})

	e := <-sub.C
	assert.Equal(t, int64(0), e.Seq, "the buffered slot keeps the first event, the second is dropped")

	select {
	case <-sub.C:
		t.Fatal("no second event should have been buffered")
	default:
	}
}

func TestUnsubscribe_ClosesChannelAndStopsDelivery(t *testing.T) {
	b := New(2)
	sub := b.Subscribe("r1")
	assert.Equal(t, 1, b.SubscriberCount("r1"))

	sub.Unsubscribe()
	assert.Equal(t, 0, b.SubscriberCount("r1"))

	_, ok := <-sub.C
	assert.False(t, ok, "channel should be closed after Unsubscribe")
}
