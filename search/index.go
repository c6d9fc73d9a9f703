package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/agridoctor/agridoctor/models"
)

// Index keeps a full-text copy of the disease catalog.
type Index interface {
	IndexDisease(ctx context.Context, d models.Disease) error
	DeleteDisease(ctx context.Context, id uint) error
	// SearchDiseases returns matching disease ids, best match first.
	SearchDiseases(ctx context.Context, query string, limit int) ([]uint, error)
}

// Elastic is an Index backed by an Elasticsearch cluster.
type Elastic struct {
	es    *elasticsearch.Client
	index string
}

// NewElastic builds a client for addresses. It does not contact the cluster.
func NewElastic(addresses []string, username, password, index string) (*Elastic, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Username:  username,
		Password:  password,
	})
	if err != nil {
		return nil, err
	}
	return &Elastic{es: es, index: index}, nil
}

type diseaseDoc struct {
	ID           uint   `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Symptoms     string `json:"symptoms"`
	Causes       string `json:"causes"`
	Prevention   string `json:"prevention"`
	Treatment    string `json:"treatment"`
	CategoryID   uint   `json:"category_id"`
	CategoryName string `json:"category_name,omitempty"`
}

func (e *Elastic) IndexDisease(ctx context.Context, d models.Disease) error {
	doc := diseaseDoc{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Symptoms:    d.Symptoms,
		Causes:      d.Causes,
		Prevention:  d.Prevention,
		Treatment:   d.Treatment,
		CategoryID:  d.CategoryID,
	}
	if d.Category != nil {
		doc.CategoryName = d.Category.Name
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	res, err := e.es.Index(e.index, bytes.NewReader(body),
		e.es.Index.WithContext(ctx),
		e.es.Index.WithDocumentID(strconv.FormatUint(uint64(d.ID), 10)),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("index disease %d: %s", d.ID, res.Status())
	}
	return nil
}

func (e *Elastic) DeleteDisease(ctx context.Context, id uint) error {
	res, err := e.es.Delete(e.index, strconv.FormatUint(uint64(id), 10), e.es.Delete.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != 404 {
		return fmt.Errorf("delete disease %d: %s", id, res.Status())
	}
	return nil
}

func (e *Elastic) SearchDiseases(ctx context.Context, query string, limit int) ([]uint, error) {
	if limit <= 0 {
		limit = 20
	}
	body, err := json.Marshal(map[string]interface{}{
		"size":    limit,
		"_source": []string{"id"},
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  strings.TrimSpace(query),
				"type":   "bool_prefix",
				"fields": []string{"name^3", "symptoms", "description", "category_name"},
			},
		},
	})
	if err != nil {
		return nil, err
	}

	res, err := e.es.Search(
		e.es.Search.WithContext(ctx),
		e.es.Search.WithIndex(e.index),
		e.es.Search.WithBody(bytes.NewReader(body)),
		e.es.Search.WithTrackTotalHits(false),
	)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("search diseases: %s %s", res.Status(), msg)
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source struct {
					ID uint `json:"id"`
				} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	ids := make([]uint, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		ids = append(ids, h.Source.ID)
	}
	return ids, nil
}
