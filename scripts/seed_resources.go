// seed_resources.go — standalone script to register a pool of compute
// resources via the Warden API from a YAML inventory file.
//
// Usage:
//
//	go run scripts/seed_resources.go -inventory pool.yaml -api http://localhost:8700
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"gopkg.in/yaml.v3"
)

type inventory struct {
	Resources []resourceSpec `yaml:"resources"`
}

type resourceSpec struct {
	Name         string   `yaml:"name" json:"name"`
	Tags         []string `yaml:"tags" json:"tags,omitempty"`
	MemoryMB     int64    `yaml:"memory_mb" json:"memory_mb"`
	Slots        int      `yaml:"slots" json:"slots"`
	AffinityHint string   `yaml:"affinity_hint" json:"affinity_hint,omitempty"`
}

func main() {
	invPath := flag.String("inventory", "pool.yaml", "path to resource inventory YAML")
	apiURL := flag.String("api", "http://localhost:8700", "Warden API base URL")
	dryRun := flag.Bool("dry-run", false, "print resources without posting")
	flag.Parse()

	data, err := os.ReadFile(*invPath)
	if err != nil {
		log.Fatalf("read inventory: %v", err)
	}

	var inv inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		log.Fatalf("parse inventory: %v", err)
	}
	if len(inv.Resources) == 0 {
		log.Fatal("inventory has no resources")
	}

	for _, res := range inv.Resources {
		if res.Slots == 0 {
			res.Slots = 1
		}
		if *dryRun {
			fmt.Printf("would register %s (%d MB, %d slots, tags=%v)\n",
				res.Name, res.MemoryMB, res.Slots, res.Tags)
			continue
		}

		body, _ := json.Marshal(res)
		resp, err := http.Post(*apiURL+"/api/v1/resources", "application/json", bytes.NewReader(body))
		if err != nil {
			log.Fatalf("register %s: %v", res.Name, err)
		}
		var out map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()

		if resp.StatusCode != http.StatusCreated {
			log.Fatalf("register %s: status %d: %s", res.Name, resp.StatusCode, out["error"])
		}
		fmt.Printf("registered %s -> %s\n", res.Name, out["resource_id"])
	}
}
