package scraper

import (
	"fmt"
	"strings"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/models"
)

// Plan splits every query into price bands. For each query the bands run
// from MinPrice through each threshold, and the last band is open-ended.
// The order is fixed: queries as configured, bands ascending.
func Plan(cfg *config.Config) ([]models.Partition, error) {
	if len(cfg.Queries) == 0 {
		return nil, config.Fatal(fmt.Errorf("at least one query is required"))
	}
	if cfg.MinPrice < 0 {
		return nil, config.Fatal(fmt.Errorf("min price cannot be negative"))
	}
	prev := cfg.MinPrice
	for i, band := range cfg.PriceBands {
		if band <= prev {
			return nil, config.Fatal(fmt.Errorf("price band %d (%d) must be greater than %d", i, band, prev))
		}
		prev = band
	}

	partitions := make([]models.Partition, 0, len(cfg.Queries)*(len(cfg.PriceBands)+1))
	for _, query := range cfg.Queries {
		query = strings.TrimSpace(query)
		if query == "" {
			return nil, config.Fatal(fmt.Errorf("queries cannot contain empty terms"))
		}
		lo := cfg.MinPrice
		for _, band := range cfg.PriceBands {
			partitions = append(partitions, models.Partition{
				Query:    query,
				Label:    fmt.Sprintf("%d-%d", lo, band-1),
				MinPrice: lo,
				MaxPrice: band - 1,
			})
			lo = band
		}
		partitions = append(partitions, models.Partition{
			Query:    query,
			Label:    fmt.Sprintf("%d+", lo),
			MinPrice: lo,
			MaxPrice: -1,
			Open:     true,
		})
	}
	return partitions, nil
}
