// Copyright 2018-2021 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package stream provides streaming clients used by `Consume` and `Publish` methods
package stream

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	"github.com/cenkalti/backoff"
	"go-micro.dev/v4/events"

	"github.com/go-micro/plugins/v4/events/natsjs"
	"github.com/pagestored/pageserver/pkg/log"
)

var logger = log.New("events/stream")

// Nats returns a nats streaming client.
// Retries exponentially to connect to a nats server.
func Nats(opts ...natsjs.Option) (events.Stream, error) {
	b := backoff.NewExponentialBackOff()
	var stream events.Stream
	o := func() error {
		n := b.NextBackOff()
		s, err := natsjs.NewStream(opts...)
		if err != nil && n > time.Second {
			logger.Build().Str("retry_in", n.String()).Msg(context.Background(), "can't connect to nats (jetstream) server, retrying")
		}
		stream = s
		return err
	}

	err := backoff.Retry(o, b)
	return stream, err
}

// Chan is a channel based streaming clients
// Useful for tests or in memory applications
type Chan [2]chan interface{}

// Publish implementation
func (ch Chan) Publish(_ string, msg interface{}, _ ...events.PublishOption) error {
	go func() {
		ch[0] <- msg
	}()
	return nil
}

// Consume implementation
func (ch Chan) Consume(_ string, _ ...events.ConsumeOption) (<-chan events.Event, error) {
	evch := make(chan events.Event)
	go func() {
		for {
			e := <-ch[1]
			if e == nil {
				// channel closed
				return
			}
			b, _ := json.Marshal(e)
			evname := reflect.TypeOf(e).String()
			evch <- events.Event{
				Payload:  b,
				Metadata: map[string]string{"eventtype": evname},
			}
		}
	}()
	return evch, nil
}
