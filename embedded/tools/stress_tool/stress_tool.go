/*
Copyright 2022 Codenotary Inc. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/codenotary/eventdb/embedded/logger"
	"github.com/codenotary/eventdb/embedded/store"
	"github.com/google/uuid"
	"github.com/jaswdr/faker"
)

func main() {
	dataDir := flag.String("dataDir", "data", "data directory")

	chunkSize := flag.Int("chunkSize", 1<<28, "size of the data area of a chunk")
	synced := flag.Bool("synced", false, "strict sync mode - no data lost")
	openedChunks := flag.Int("openedChunks", 10, "max number of completed chunks kept open")

	mode := flag.String("mode", "", "interactive|auto")

	action := flag.String("action", "get", "get|set")
	stream := flag.String("stream", "", "stream to read from or append to")
	eventNumber := flag.Int64("eventNumber", -1, "event to read, -1 reads the last one")
	data := flag.String("data", "", "json data of the appended event")

	writers := flag.Int("writers", 10, "number of concurrent writers")
	txCount := flag.Int("txCount", 1_000, "number of appends per writer")
	eventCount := flag.Int("eventCount", 10, "number of events per append")
	streams := flag.Int("streams", 100, "number of streams written by each writer")
	txDelay := flag.Int("txDelay", 0, "delay (millis) between appends")
	printAfter := flag.Int("printAfter", 100, "print a dot '.' after specified number of appends")
	txRead := flag.Bool("txRead", false, "read every stream back and compare it against the appended events")
	allScan := flag.Bool("allScan", true, "full $all scan checking that commit positions never go back")

	flag.Parse()

	fmt.Println("Opening event store...")

	opts := store.DefaultOptions().
		WithSynced(*synced).
		WithChunkSize(int32(*chunkSize)).
		WithMaxOpenedChunks(*openedChunks).
		WithLogger(logger.NewSimpleLogger("stress_tool", nil))

	st, err := store.Open(*dataDir, opts)
	exitOnErr(err)

	defer func() {
		err := st.Close()
		if err != nil {
			fmt.Printf("\r\nEvent store closed with error: %v\r\n", err)
			exitOnErr(err)
		}
		fmt.Printf("\r\nEvent store successfully closed!\r\n")
	}()

	fmt.Printf("Event store successfully opened! (indexed up to %d)\r\n", st.IndexedPosition())

	ctx := context.Background()

	if *mode == "interactive" {
		if *action == "get" {
			e, err := st.ReadEvent(ctx, *stream, *eventNumber, true)
			exitOnErr(err)

			fmt.Printf("stream: %s, event: %d, type: %s, data: %s, position: %d\r\n",
				e.OriginalEvent().StreamID, e.OriginalEvent().EventNumber, e.OriginalEvent().EventType, e.OriginalEvent().Data, e.OriginalEvent().LogPosition)
			return
		}

		if *action == "set" {
			res, err := st.Append(ctx, *stream, store.ExpectedAny, []store.EventData{{
				EventID: uuid.New(),
				Type:    "stress",
				IsJSON:  true,
				Data:    []byte(*data),
			}})
			exitOnErr(err)

			fmt.Printf("event %d appended to %s at %d\r\n", res.NextExpectedVersion, *stream, res.LogPosition.CommitPosition)
			return
		}

		panic("invalid action")
	}

	if *mode == "auto" {
		fmt.Printf("Appending %d times per writer...\r\n", *txCount)

		wgInit := &sync.WaitGroup{}
		wgInit.Add(*writers)

		wgWork := &sync.WaitGroup{}
		wgWork.Add(*writers)

		wgEnded := &sync.WaitGroup{}
		wgEnded.Add(*writers)

		wgStart := &sync.WaitGroup{}
		wgStart.Add(1)

		for w := 0; w < *writers; w++ {
			go func(id int) {
				fmt.Printf("\r\nWriter %d is generating events...\r\n", id)

				fake := faker.New()

				appends := make([][]store.EventData, *txCount)

				for t := range appends {
					appends[t] = make([]store.EventData, *eventCount)

					for i := range appends[t] {
						payload, err := json.Marshal(map[string]interface{}{
							"writer":  id,
							"name":    fake.Person().Name(),
							"email":   fake.Internet().Email(),
							"comment": fake.Lorem().Sentence(8),
						})
						exitOnErr(err)

						appends[t][i] = store.EventData{
							EventID: uuid.New(),
							Type:    "stress",
							IsJSON:  true,
							Data:    payload,
						}
					}
				}

				wgInit.Done()

				wgStart.Wait()

				fmt.Printf("\r\nWriter %d is running...\r\n", id)

				streamName := func(t int) string {
					return fmt.Sprintf("stress-%d-%d", id, t%*streams)
				}

				for t := range appends {
					_, err := st.Append(ctx, streamName(t), store.ExpectedAny, appends[t])
					exitOnErr(err)

					if *printAfter > 0 && t%*printAfter == 0 {
						fmt.Print(".")
					}

					time.Sleep(time.Duration(*txDelay) * time.Millisecond)
				}

				wgWork.Done()
				fmt.Printf("\r\nWriter %d done with appends!\r\n", id)

				if *txRead {
					fmt.Printf("Reading back the streams of writer %d...\r\n", id)

					for s := 0; s < *streams && s < *txCount; s++ {
						var expected []store.EventData
						for t := s; t < *txCount; t += *streams {
							expected = append(expected, appends[t]...)
						}

						slice, err := st.ReadStreamForward(ctx, streamName(s), 0, len(expected), false)
						exitOnErr(err)

						if len(slice.Events) != len(expected) {
							panic(fmt.Errorf("stream %s has %d events, %d expected", streamName(s), len(slice.Events), len(expected)))
						}

						for i, e := range slice.Events {
							if e.Event.EventID != expected[i].EventID || !bytes.Equal(e.Event.Data, expected[i].Data) {
								panic(fmt.Errorf("event %d of %s does not match the appended one", i, streamName(s)))
							}
						}
					}

					fmt.Printf("All streams of writer %d successfully verified!\r\n", id)
				}

				wgEnded.Done()

				fmt.Printf("Writer %d successfully ended!\r\n", id)
			}(w)
		}

		wgInit.Wait()

		wgStart.Done()

		start := time.Now()
		wgWork.Wait()
		elapsed := time.Since(start)

		total := *writers * *txCount * *eventCount
		fmt.Printf("\r\nAll %d writers have appended %d events within %s (%.0f events/s)!\r\n",
			*writers, total, elapsed, float64(total)/elapsed.Seconds())

		wgEnded.Wait()

		if *allScan {
			fmt.Println("Starting full $all scan...")
			start := time.Now()

			pos := store.StartPosition
			last := store.TFPos{CommitPosition: -1, PreparePosition: -1}
			scanned := 0

			for {
				slice, err := st.ReadAllForward(ctx, pos, 1000, false)
				exitOnErr(err)

				for _, e := range slice.Events {
					p := *e.OriginalPosition
					if p.Compare(last) <= 0 {
						panic(fmt.Errorf("$all went back from %v to %v", last, p))
					}
					last = p

					scanned++

					if *printAfter > 0 && scanned%(*printAfter**eventCount) == 0 {
						fmt.Print(".")
					}
				}

				if slice.IsEndOfAll {
					break
				}
				pos = slice.NextPosition
			}

			fmt.Printf("\r\nAll %d events successfully scanned in %s!\r\n", scanned, time.Since(start))
		}

		fmt.Println("Done")

		return
	}

	panic("please specify a valid mode of operation: interactive|auto")
}

func exitOnErr(err error) {
	if err != nil {
		panic(err)
	}
}
