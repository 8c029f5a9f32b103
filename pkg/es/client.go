// Package es 提供 Elasticsearch 客户端，供管理端监控索引和检索任务日志。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"taxflow-go/internal/config"
	"taxflow-go/internal/model"
	"taxflow-go/pkg/log"
)

// Client 封装 ES 连接与任务日志索引名。
type Client struct {
	es    *elasticsearch.Client
	index string
}

// NewClient 连接 Elasticsearch 并确保任务日志索引存在。
func NewClient(esCfg config.ElasticsearchConfig) (*Client, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{esCfg.Addresses},
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	c := &Client{es: client, index: esCfg.IndexName}
	if err := c.createIndexIfNotExists(); err != nil {
		return nil, err
	}
	return c, nil
}

// createIndexIfNotExists 检查索引，不存在则创建。
func (c *Client) createIndexIfNotExists() error {
	res, err := c.es.Indices.Exists([]string{c.index})
	if err != nil {
		log.Errorf("failed to check index existence: %v", err)
		return err
	}
	if !res.IsError() && res.StatusCode == http.StatusOK {
		log.Infof("index '%s' already exists", c.index)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		log.Errorf("unexpected status code while checking index '%s': %d", c.index, res.StatusCode)
		return fmt.Errorf("unexpected status code while checking index: %d", res.StatusCode)
	}

	mapping := `{
		"mappings": {
			"properties": {
				"doc_id": { "type": "keyword" },
				"job_id": { "type": "keyword" },
				"upload_id": { "type": "long" },
				"user_id": { "type": "long" },
				"level": { "type": "keyword" },
				"message": { "type": "text" },
				"file_name": { "type": "keyword" },
				"created_at": { "type": "date" }
			}
		}
	}`

	res, err = c.es.Indices.Create(
		c.index,
		c.es.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		log.Errorf("failed to create index '%s': %v", c.index, err)
		return err
	}
	if res.IsError() {
		log.Errorf("elasticsearch returned an error creating index '%s': %s", c.index, res.String())
		return errors.New("elasticsearch returned an error creating index")
	}

	log.Infof("index '%s' created successfully", c.index)
	return nil
}

// IndexJobLog 索引一条任务日志文档。
func (c *Client) IndexJobLog(ctx context.Context, doc model.JobLogDocument) error {
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      c.index,
		DocumentID: doc.DocID,
		Body:       bytes.NewReader(docBytes),
	}

	res, err := req.Do(ctx, c.es)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("failed to index job log document: %s", res.String())
		return errors.New("failed to index job log document")
	}
	return nil
}

// SearchJobLogs 对日志内容做全文匹配，可按级别过滤，按时间倒序返回。
func (c *Client) SearchJobLogs(ctx context.Context, query, level string, size int) ([]model.JobLogDocument, error) {
	must := []map[string]interface{}{}
	if query != "" {
		must = append(must, map[string]interface{}{
			"match": map[string]interface{}{"message": query},
		})
	}
	if level != "" {
		must = append(must, map[string]interface{}{
			"term": map[string]interface{}{"level": level},
		})
	}

	body := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"must": must},
		},
		"sort": []map[string]interface{}{
			{"created_at": map[string]interface{}{"order": "desc"}},
		},
		"size": size,
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(bodyBytes)),
	)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch search error: %s", res.String())
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source model.JobLogDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	docs := make([]model.JobLogDocument, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		docs = append(docs, hit.Source)
	}
	return docs, nil
}
