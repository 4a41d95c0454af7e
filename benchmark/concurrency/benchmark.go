package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ahmadzakiakmal/freight-negotiation/benchmark/client"
)

type Negotiation struct {
	ID string `json:"id"`
}

type Load struct {
	ID string `json:"id"`
}

// RaceResult is the outcome of one round of concurrent responses to the same
// negotiation
type RaceResult struct {
	Round         int
	LoadID        string
	NegotiationID string
	Accepted      int
	Conflicts     int
	Other         int
	Latencies     []time.Duration
}

func main() {
	workers := flag.Int("workers", 10, "Concurrent responders per negotiation")
	rounds := flag.Int("rounds", 20, "Number of negotiations to race on")
	port := flag.String("port", "6000", "Load board port")
	dispatcherID := flag.String("dispatcher", "DSP-001", "Dispatcher that posts the loads")
	carrierID := flag.String("carrier", "CAR-001", "Carrier that makes the offers")
	flag.Parse()

	recordsDir := "./records"
	os.MkdirAll(recordsDir, 0755)

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	filename := filepath.Join(recordsDir, fmt.Sprintf(
		"concurrency_%s_w%d_r%d.csv", timestamp, *workers, *rounds,
	))

	baseURL := fmt.Sprintf("http://127.0.0.1:%s", *port)
	httpClient := client.NewHTTPClient(baseURL)

	fmt.Println("========================================")
	fmt.Println("   CONCURRENT ACCEPT BENCHMARK")
	fmt.Println("========================================")
	fmt.Printf("Workers:    %d\n", *workers)
	fmt.Printf("Rounds:     %d\n", *rounds)
	fmt.Printf("URL:        %s\n", baseURL)
	fmt.Printf("Output:     %s\n", filename)
	fmt.Println("========================================")
	fmt.Println("")

	var results []RaceResult
	violations := 0
	start := time.Now()

	for round := 1; round <= *rounds; round++ {
		loadID, negotiationID, err := prepare(httpClient, *dispatcherID, *carrierID)
		if err != nil {
			fmt.Printf("\nround %d: setup failed: %v\n", round, err)
			continue
		}

		result := race(httpClient, negotiationID, *dispatcherID, *workers)
		result.Round = round
		result.LoadID = loadID
		results = append(results, result)

		if result.Accepted != 1 {
			violations++
		}
		fmt.Printf("\r[%d/%d] accepted=%d conflicts=%d other=%d",
			round, *rounds, result.Accepted, result.Conflicts, result.Other)
	}
	elapsed := time.Since(start)

	fmt.Println("\n\n========================================")
	fmt.Println("   BENCHMARK RESULTS")
	fmt.Println("========================================")
	fmt.Printf("Rounds completed:  %d\n", len(results))
	fmt.Printf("Rounds with != 1 acceptance: %d\n", violations)
	fmt.Printf("Duration:          %v\n", elapsed)
	fmt.Println("========================================")

	if err := writeCSV(filename, *workers, results); err != nil {
		fmt.Printf("Error writing results: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nResults saved to: %s\n", filename)

	if violations > 0 {
		os.Exit(2)
	}
}

// prepare posts a fresh load and opens a negotiation on it
func prepare(httpClient *client.HTTPClient, dispatcherID, carrierID string) (string, string, error) {
	pickup := time.Now().UTC().Add(72 * time.Hour).Truncate(time.Hour)

	resp, err := httpClient.POST("/loads", map[string]interface{}{
		"dispatcher_id":     dispatcherID,
		"origin_city":       "Dallas",
		"origin_state":      "TX",
		"destination_city":  "Atlanta",
		"destination_state": "GA",
		"equipment_type":    "dry_van",
		"weight_lbs":        40000,
		"pickup_date":       pickup,
		"delivery_date":     pickup.Add(36 * time.Hour),
		"rate":              "2000.00",
		"miles":             800,
	})
	if err != nil {
		return "", "", fmt.Errorf("post load: %w", err)
	}
	var load Load
	if err := client.UnmarshalData(resp, &load); err != nil {
		return "", "", fmt.Errorf("post load: %w", err)
	}

	resp, err = httpClient.POST("/load-matching", map[string]interface{}{
		"action":       "submit_counter_offer",
		"load_id":      load.ID,
		"carrier_id":   carrierID,
		"offer_amount": "1850.00",
	})
	if err != nil {
		return "", "", fmt.Errorf("submit offer: %w", err)
	}
	var negotiation Negotiation
	if err := client.UnmarshalData(resp, &negotiation); err != nil {
		return "", "", fmt.Errorf("submit offer: %w", err)
	}

	return load.ID, negotiation.ID, nil
}

// race releases every worker at once against the same pending offer
func race(httpClient *client.HTTPClient, negotiationID, dispatcherID string, workers int) RaceResult {
	result := RaceResult{NegotiationID: negotiationID}

	var mu sync.Mutex
	var wg sync.WaitGroup
	startGate := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-startGate

			begin := time.Now()
			resp, err := httpClient.POST("/load-matching", map[string]interface{}{
				"action":         "respond_to_offer",
				"negotiation_id": negotiationID,
				"dispatcher_id":  dispatcherID,
				"response_type":  "accept",
			})
			latency := time.Since(begin)

			status := 0
			if err == nil {
				status = resp.StatusCode
				client.ReadEnvelope(resp)
			}

			mu.Lock()
			defer mu.Unlock()
			result.Latencies = append(result.Latencies, latency)
			switch status {
			case http.StatusOK:
				result.Accepted++
			case http.StatusConflict:
				result.Conflicts++
			default:
				result.Other++
			}
		}()
	}

	close(startGate)
	wg.Wait()
	return result
}

func writeCSV(filename string, workers int, results []RaceResult) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	writer.Write([]string{
		"Round", "Load_ID", "Negotiation_ID", "Workers",
		"Accepted", "Conflicts", "Other",
		"Avg_Latency_ms", "P50_Latency_ms", "Max_Latency_ms",
	})

	for _, r := range results {
		avg, p50, max := latencyStats(r.Latencies)
		writer.Write([]string{
			fmt.Sprintf("%d", r.Round),
			r.LoadID,
			r.NegotiationID,
			fmt.Sprintf("%d", workers),
			fmt.Sprintf("%d", r.Accepted),
			fmt.Sprintf("%d", r.Conflicts),
			fmt.Sprintf("%d", r.Other),
			fmt.Sprintf("%.2f", ms(avg)),
			fmt.Sprintf("%.2f", ms(p50)),
			fmt.Sprintf("%.2f", ms(max)),
		})
	}

	writer.Flush()
	return writer.Error()
}

func latencyStats(latencies []time.Duration) (avg, p50, max time.Duration) {
	if len(latencies) == 0 {
		return 0, 0, 0
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, l := range sorted {
		total += l
	}
	return total / time.Duration(len(sorted)), sorted[len(sorted)/2], sorted[len(sorted)-1]
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
