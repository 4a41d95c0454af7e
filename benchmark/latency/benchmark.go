package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ahmadzakiakmal/freight-negotiation/benchmark/client"
)

type LoadResponse struct {
	ID string `json:"id"`
}

type NegotiationResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type CommitResponse struct {
	TxHash      string `json:"tx_hash"`
	BlockHeight int64  `json:"block_height"`
}

type Result struct {
	Step        string
	Latency     time.Duration
	BlockHeight int64
}

func main() {
	ledgerNodes := flag.Int("ledger-nodes", 4, "Number of ledger validators, recorded in the file name")
	iterations := flag.Int("n", 100, "Number of iterations")
	port := flag.String("port", "6000", "Load board port")
	dispatcherID := flag.String("dispatcher", "DSP-001", "Dispatcher that posts the loads")
	carrierID := flag.String("carrier", "CAR-001", "Carrier that negotiates")
	commit := flag.Bool("commit", true, "Commit each agreed rate to the ledger")
	pause := flag.Duration("pause", 100*time.Millisecond, "Pause between steps")
	flag.Parse()

	recordsDir := "./records"
	os.MkdirAll(recordsDir, 0755)

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	filename := filepath.Join(recordsDir, fmt.Sprintf(
		"latency_%s_n%d_ledger-%d.csv",
		timestamp, *iterations, *ledgerNodes,
	))

	file, err := os.Create(filename)
	if err != nil {
		fmt.Printf("Error creating file: %v\n", err)
		return
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	writer.Write([]string{"Iteration", "Step", "Latency_ms", "BlockHeight"})

	baseURL := fmt.Sprintf("http://127.0.0.1:%s", *port)
	httpClient := client.NewHTTPClient(baseURL)

	fmt.Println("========================================")
	fmt.Println("   NEGOTIATION LATENCY BENCHMARK")
	fmt.Println("========================================")
	fmt.Printf("Ledger Nodes: %d\n", *ledgerNodes)
	fmt.Printf("Iterations:   %d\n", *iterations)
	fmt.Printf("URL:          %s\n", baseURL)
	fmt.Printf("Dispatcher:   %s\n", *dispatcherID)
	fmt.Printf("Carrier:      %s\n", *carrierID)
	fmt.Printf("Commit:       %t\n", *commit)
	fmt.Printf("Output:       %s\n", filename)
	fmt.Println("========================================")
	fmt.Println("")

	w := workflow{
		client:       httpClient,
		dispatcherID: *dispatcherID,
		carrierID:    *carrierID,
		commit:       *commit,
		pause:        *pause,
	}

	successCount := 0
	failCount := 0

	for i := 0; i < *iterations; i++ {
		fmt.Printf("\r[%d/%d] ", i+1, *iterations)

		results, errMsg := w.run()
		if errMsg == "" {
			successCount++
			fmt.Print("ok")
			for _, r := range results {
				writer.Write([]string{
					strconv.Itoa(i + 1),
					r.Step,
					strconv.FormatInt(r.Latency.Milliseconds(), 10),
					strconv.FormatInt(r.BlockHeight, 10),
				})
			}
		} else {
			failCount++
			fmt.Printf("FAIL %s\n", errMsg)
		}

		time.Sleep(50 * time.Millisecond)
	}

	fmt.Printf("\n\n========================================\n")
	fmt.Printf("Success: %d/%d\n", successCount, *iterations)
	if failCount > 0 {
		fmt.Printf("Failed:  %d\n", failCount)
	}
	fmt.Printf("Results: %s\n", filename)
	fmt.Println("========================================")
}

type workflow struct {
	client       *client.HTTPClient
	dispatcherID string
	carrierID    string
	commit       bool
	pause        time.Duration
}

// run walks one load from posting to an agreed (and optionally committed) rate
func (w workflow) run() ([]Result, string) {
	var results []Result
	totalStart := time.Now()

	// 1. Post Load
	start := time.Now()
	pickup := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Hour)
	resp, err := w.client.POST("/loads", map[string]interface{}{
		"dispatcher_id":     w.dispatcherID,
		"origin_city":       "Chicago",
		"origin_state":      "IL",
		"destination_city":  "Denver",
		"destination_state": "CO",
		"equipment_type":    "dry_van",
		"weight_lbs":        38000,
		"pickup_date":       pickup,
		"delivery_date":     pickup.Add(30 * time.Hour),
		"rate":              "2400.00",
		"miles":             1000,
	})
	if err != nil {
		return results, fmt.Sprintf("Post Load: %v", err)
	}
	var load LoadResponse
	if err := client.UnmarshalData(resp, &load); err != nil {
		return results, fmt.Sprintf("Post Load: %v", err)
	}
	results = append(results, Result{"Post Load", time.Since(start), 0})
	time.Sleep(w.pause)

	// 2. Carrier Offer
	start = time.Now()
	resp, err = w.client.POST("/load-matching", map[string]interface{}{
		"action":       "submit_counter_offer",
		"load_id":      load.ID,
		"carrier_id":   w.carrierID,
		"offer_amount": "2100.00",
		"message":      "Can cover at 2100",
	})
	if err != nil {
		return results, fmt.Sprintf("Carrier Offer: %v", err)
	}
	var neg NegotiationResponse
	if err := client.UnmarshalData(resp, &neg); err != nil {
		return results, fmt.Sprintf("Carrier Offer: %v", err)
	}
	results = append(results, Result{"Carrier Offer", time.Since(start), 0})
	time.Sleep(w.pause)

	// 3. Dispatcher Counter
	start = time.Now()
	resp, err = w.client.POST("/load-matching", map[string]interface{}{
		"action":         "respond_to_offer",
		"negotiation_id": neg.ID,
		"dispatcher_id":  w.dispatcherID,
		"response_type":  "counter",
		"counter_amount": "2250.00",
	})
	if err != nil {
		return results, fmt.Sprintf("Dispatcher Counter: %v", err)
	}
	if _, err := client.ReadEnvelope(resp); err != nil {
		return results, fmt.Sprintf("Dispatcher Counter: %v", err)
	}
	results = append(results, Result{"Dispatcher Counter", time.Since(start), 0})
	time.Sleep(w.pause)

	// 4. Carrier Accept
	start = time.Now()
	resp, err = w.client.POST("/load-matching", map[string]interface{}{
		"action":         "respond_to_counter",
		"negotiation_id": neg.ID,
		"carrier_id":     w.carrierID,
		"response_type":  "accept",
	})
	if err != nil {
		return results, fmt.Sprintf("Carrier Accept: %v", err)
	}
	if _, err := client.ReadEnvelope(resp); err != nil {
		return results, fmt.Sprintf("Carrier Accept: %v", err)
	}
	results = append(results, Result{"Carrier Accept", time.Since(start), 0})
	time.Sleep(w.pause)

	// 5. Read History
	start = time.Now()
	resp, err = w.client.GET(fmt.Sprintf("/negotiations/%s/history", neg.ID))
	if err != nil {
		return results, fmt.Sprintf("Read History: %v", err)
	}
	if _, err := client.ReadEnvelope(resp); err != nil {
		return results, fmt.Sprintf("Read History: %v", err)
	}
	results = append(results, Result{"Read History", time.Since(start), 0})

	// 6. Commit Confirmation
	if w.commit {
		time.Sleep(w.pause)
		start = time.Now()
		resp, err = w.client.POST(fmt.Sprintf("/negotiations/%s/commit", neg.ID), nil)
		if err != nil {
			return results, fmt.Sprintf("Commit Confirmation: %v", err)
		}
		var commitResp CommitResponse
		if err := client.UnmarshalData(resp, &commitResp); err != nil {
			return results, fmt.Sprintf("Commit Confirmation: %v", err)
		}
		results = append(results, Result{"Commit Confirmation", time.Since(start), commitResp.BlockHeight})
	}

	// Total
	results = append(results, Result{"Complete Workflow", time.Since(totalStart), 0})

	return results, ""
}
