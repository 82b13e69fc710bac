// Command bench drives a livedict TCP endpoint with a mixed set/get
// workload and reports throughput.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hemanshu03/livedict/internal/adapter/tcp"
)

var (
	addr      = flag.String("addr", "localhost:7600", "server address")
	clients   = flag.Int("clients", 50, "concurrent client connections")
	requests  = flag.Int("requests", 200000, "total requests across all clients")
	dataSize  = flag.Int("data-size", 128, "value size in bytes")
	readRatio = flag.Float64("ratio", 0.5, "fraction of requests that are gets (0.0-1.0)")
	keySpace  = flag.Int("key-space", 10000, "number of distinct keys")
)

func main() {
	flag.Parse()

	value := make([]byte, *dataSize)
	for i := range value {
		value[i] = byte('a' + i%26)
	}

	fmt.Printf("bench: %d requests, %d clients, %d-byte values, %.0f%% reads\n",
		*requests, *clients, *dataSize, *readRatio*100)

	var (
		wg       sync.WaitGroup
		ok, fail int64
	)
	perWorker := *requests / *clients

	start := time.Now()
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			conn, err := net.Dial("tcp", *addr)
			if err != nil {
				log.Printf("worker %d: dial: %v", worker, err)
				atomic.AddInt64(&fail, int64(perWorker))
				return
			}
			defer conn.Close()

			rng := rand.New(rand.NewSource(int64(worker)))
			for j := 0; j < perWorker; j++ {
				key := fmt.Sprintf("bench:%d", rng.Intn(*keySpace))

				var err error
				if rng.Float64() < *readRatio {
					err = tcp.WritePacket(conn, tcp.OpGet, key, nil)
				} else {
					err = tcp.WritePacket(conn, tcp.OpSet, key, value)
				}
				if err != nil {
					atomic.AddInt64(&fail, 1)
					return
				}
				res, err := tcp.ReadPacket(conn)
				if err != nil {
					atomic.AddInt64(&fail, 1)
					return
				}
				// A miss on a not-yet-written key is a valid outcome.
				if res.Opcode == tcp.StatusOK || res.Opcode == tcp.StatusKeyNotFound {
					atomic.AddInt64(&ok, 1)
				} else {
					atomic.AddInt64(&fail, 1)
				}
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	total := atomic.LoadInt64(&ok)
	fmt.Println("------------------------------------------------")
	fmt.Printf("completed: %d ok, %d failed\n", total, atomic.LoadInt64(&fail))
	fmt.Printf("duration:  %v\n", elapsed)
	fmt.Printf("speed:     %.0f requests/second\n", float64(total)/elapsed.Seconds())
	fmt.Println("------------------------------------------------")
}
