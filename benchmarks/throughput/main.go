// Command throughput measures document writes through an embedded
// collection and through the storage proxy, with live queries attached.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skshohagmiah/livedoc/internal/db"
	"github.com/skshohagmiah/livedoc/internal/livequery"
	"github.com/skshohagmiah/livedoc/internal/proxy"
	"github.com/skshohagmiah/livedoc/pkg/client"
)

var (
	concurrency = flag.Int("concurrency", 64, "Concurrent writers")
	duration    = flag.Duration("duration", 5*time.Second, "Duration of each test")
	watchers    = flag.Int("watchers", 4, "Live queries attached during the test")
)

func main() {
	flag.Parse()

	fmt.Println("🔬 livedoc Write Throughput Test")
	fmt.Println("================================")
	fmt.Println()

	database, err := db.NewDatabase("benchdb", db.Options{})
	if err != nil {
		fmt.Printf("❌ Failed to create database: %v\n", err)
		return
	}
	defer database.Close()

	// Test 1: embedded collection (baseline)
	fmt.Println("📊 Test 1: Embedded Collection")
	fmt.Println("------------------------------")
	local, err := database.Collection("local")
	if err != nil {
		fmt.Printf("❌ Failed to open collection: %v\n", err)
		return
	}
	stop := attachWatchers(local, *watchers)
	testWrites(local)
	stop()
	fmt.Println()

	// Test 2: the same writes through the proxy over TCP
	fmt.Println("📊 Test 2: Storage Proxy (TCP)")
	fmt.Println("------------------------------")
	host := proxy.NewHost(database, proxy.HostOptions{})
	defer host.Close()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Printf("❌ Failed to listen: %v\n", err)
		return
	}
	go host.Serve(l)

	c, err := client.Dial(context.Background(), "tcp", l.Addr().String(), client.DefaultOptions())
	if err != nil {
		fmt.Printf("❌ Failed to connect: %v\n", err)
		return
	}
	defer c.Close()

	remote, err := database.Collection("remote")
	if err != nil {
		fmt.Printf("❌ Failed to open collection: %v\n", err)
		return
	}
	stop = attachWatchers(remote, *watchers)
	testWrites(c.Collection("remote"))
	stop()

	stats := host.Stats()
	fmt.Printf("Host:       %v requests, %v errors\n", stats["requests"], stats["errors"])
}

func testWrites(store db.Store) {
	fmt.Println("🔴 INSERT Test")
	var ops, failures atomic.Int64
	var wg sync.WaitGroup

	startTime := time.Now()
	stopTime := startTime.Add(*duration)

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			n := int64(0)
			for time.Now().Before(stopTime) {
				_, err := store.Insert(context.Background(), db.Document{
					"id":    fmt.Sprintf("hero_%d_%d", workerID, n),
					"name":  fmt.Sprintf("Hero %d", n),
					"color": "red",
				})
				if err != nil {
					failures.Add(1)
					continue
				}
				n++
			}
			ops.Add(n)
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(startTime)
	total := ops.Load()
	if total == 0 {
		fmt.Printf("❌ No successful writes (%d failures)\n", failures.Load())
		return
	}

	fmt.Printf("Operations: %.2fK (%d failed)\n", float64(total)/1000, failures.Load())
	fmt.Printf("Throughput: %.2fK ops/sec\n", float64(total)/elapsed.Seconds()/1000)
	fmt.Printf("Latency:    %.2fμs\n", (elapsed.Seconds()*1000000)/float64(total)*float64(*concurrency))
}

// attachWatchers subscribes n live queries sorted by name and counts their
// snapshots until the returned stop is called
func attachWatchers(coll *db.Collection, n int) func() {
	var (
		snapshots atomic.Int64
		wg        sync.WaitGroup
		handles   []*livequery.Handle
	)
	desc := db.NewQueryBuilder().OrderByAsc("name").Limit(20).Build()
	for i := 0; i < n; i++ {
		h, err := livequery.Subscribe(coll, desc, livequery.Options{})
		if err != nil {
			fmt.Printf("❌ Failed to subscribe: %v\n", err)
			continue
		}
		handles = append(handles, h)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range h.Snapshots() {
				snapshots.Add(1)
			}
		}()
	}

	return func() {
		for _, h := range handles {
			h.Unsubscribe()
		}
		wg.Wait()
		fmt.Printf("Snapshots:  %d across %d live queries\n", snapshots.Load(), len(handles))
	}
}
