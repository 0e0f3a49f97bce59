package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kart-io/logger"

	"github.com/kart-io/docchat/pkg/errors"
	"github.com/kart-io/docchat/pkg/infra/pool"
	"github.com/kart-io/docchat/pkg/utils/json"
)

// 持久化目录中的文件名，与 llama-index 默认布局一致。
const (
	DocStoreFile    = "docstore.json"
	VectorStoreFile = "default__vector_store.json"
	IndexStoreFile  = "index_store.json"

	nodeTypeDocument = "4"
	relationSource   = "1"
)

// sourceKeys 按优先级查找来源文档标识的元数据键。
var sourceKeys = []string{"file_name", "file_path", "source", "document_id"}

type docStoreFile struct {
	Data       map[string]docStoreEntry `json:"docstore/data"`
	Metadata   map[string]docStoreMeta  `json:"docstore/metadata,omitempty"`
	RefDocInfo map[string]refDocInfo    `json:"docstore/ref_doc_info,omitempty"`
}

type docStoreEntry struct {
	Data docNode `json:"__data__"`
	Type string  `json:"__type__"`
}

type docNode struct {
	ID            string                     `json:"id_"`
	Text          string                     `json:"text"`
	Metadata      map[string]any             `json:"metadata"`
	Relationships map[string]json.RawMessage `json:"relationships,omitempty"`
	ClassName     string                     `json:"class_name,omitempty"`
}

type relatedNode struct {
	NodeID string `json:"node_id"`
}

type docStoreMeta struct {
	DocHash  string `json:"doc_hash,omitempty"`
	RefDocID string `json:"ref_doc_id,omitempty"`
}

type refDocInfo struct {
	NodeIDs  []string       `json:"node_ids"`
	Metadata map[string]any `json:"metadata"`
}

type vectorStoreFile struct {
	EmbeddingDict    map[string][]float32      `json:"embedding_dict"`
	TextIDToRefDocID map[string]string         `json:"text_id_to_ref_doc_id"`
	MetadataDict     map[string]map[string]any `json:"metadata_dict"`
}

type indexStoreFile struct {
	Data map[string]indexStoreEntry `json:"index_store/data"`
}

type indexStoreEntry struct {
	Type string `json:"__type__"`
	Data string `json:"__data__"`
}

// LoadOption 加载选项。
type LoadOption func(*loadConfig)

type loadConfig struct {
	pool *pool.Pool
}

// WithPool 使用协程池并行解码文档存储与向量索引文件。
func WithPool(p *pool.Pool) LoadOption {
	return func(c *loadConfig) { c.pool = p }
}

// LoadDir 从 root 加载持久化索引。
//
// root 不存在或不包含任何索引文件时返回 ErrIndexNotFound；
// 缺少某一类文件、文件格式错误或违反索引不变量时返回 ErrIndexCorrupt，
// 错误信息指明缺失的是 "document store" 还是 "vector index"。
func LoadDir(ctx context.Context, root string, opts ...LoadOption) (*MemoryIndex, error) {
	var cfg loadConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	info, err := os.Stat(root)
	switch {
	case stderrors.Is(err, fs.ErrNotExist):
		return nil, errors.ErrIndexNotFound.WithMessagef("index root %s does not exist", root)
	case err != nil:
		return nil, errors.ErrIndexCorrupt.WithMessagef("cannot stat index root %s", root).WithCause(err)
	case !info.IsDir():
		return nil, errors.ErrIndexNotFound.WithMessagef("index root %s is not a directory", root)
	}

	docPath := filepath.Join(root, DocStoreFile)
	vecPath := filepath.Join(root, VectorStoreFile)
	hasDoc, hasVec := fileExists(docPath), fileExists(vecPath)
	switch {
	case !hasDoc && !hasVec:
		return nil, errors.ErrIndexNotFound.WithMessagef("no index found under %s", root)
	case !hasDoc:
		return nil, errors.ErrIndexCorrupt.WithMessagef("document store missing: %s not found under %s", DocStoreFile, root)
	case !hasVec:
		return nil, errors.ErrIndexCorrupt.WithMessagef("vector index missing: %s not found under %s", VectorStoreFile, root)
	}

	var (
		docs docStoreFile
		vecs vectorStoreFile
	)
	decodeDoc := func(context.Context) error {
		if err := readJSON(docPath, &docs); err != nil {
			return errors.ErrIndexCorrupt.WithMessagef("document store %s is malformed", DocStoreFile).WithCause(err)
		}
		return nil
	}
	decodeVec := func(context.Context) error {
		if err := readJSON(vecPath, &vecs); err != nil {
			return errors.ErrIndexCorrupt.WithMessagef("vector index %s is malformed", VectorStoreFile).WithCause(err)
		}
		return nil
	}

	if cfg.pool != nil {
		g := cfg.pool.NewGroup(ctx)
		g.Go(decodeDoc)
		g.Go(decodeVec)
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		if err := decodeDoc(ctx); err != nil {
			return nil, err
		}
		if err := decodeVec(ctx); err != nil {
			return nil, err
		}
	}

	chunks, err := assemble(&docs, &vecs)
	if err != nil {
		return nil, errors.ErrIndexCorrupt.WithMessage(err.Error())
	}

	idx, err := NewMemoryIndex(chunks)
	if err != nil {
		return nil, errors.ErrIndexCorrupt.WithMessage(err.Error())
	}
	idx.root = root
	idx.indexID = readIndexID(filepath.Join(root, IndexStoreFile))

	logger.Infow("index loaded",
		"root", root,
		"index_id", idx.indexID,
		"chunks", idx.Len(),
		"documents", idx.documents,
		"dimension", idx.dimension,
	)
	return idx, nil
}

// assemble 合并两个文件并检查孤立向量与孤立文本。
func assemble(docs *docStoreFile, vecs *vectorStoreFile) ([]Chunk, error) {
	nodes := make(map[string]docNode, len(docs.Data))
	for id, entry := range docs.Data {
		if entry.Type == nodeTypeDocument {
			continue
		}
		if entry.Data.ID != "" && entry.Data.ID != id {
			return nil, fmt.Errorf("document store entry %q carries mismatched id %q", id, entry.Data.ID)
		}
		nodes[id] = entry.Data
	}

	var orphans []string
	for id := range vecs.EmbeddingDict {
		if _, ok := nodes[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		sort.Strings(orphans)
		return nil, fmt.Errorf("vector index has %d vectors without text in the document store (first: %q)", len(orphans), orphans[0])
	}
	for id := range nodes {
		if _, ok := vecs.EmbeddingDict[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		sort.Strings(orphans)
		return nil, fmt.Errorf("document store has %d nodes without vectors in the vector index (first: %q)", len(orphans), orphans[0])
	}

	chunks := make([]Chunk, 0, len(nodes))
	for id, n := range nodes {
		refDoc := vecs.TextIDToRefDocID[id]
		if refDoc == "" {
			refDoc = sourceRelation(n)
		}
		if refDoc == "" {
			refDoc = docs.Metadata[id].RefDocID
		}

		meta := n.Metadata
		if len(meta) == 0 {
			meta = vecs.MetadataDict[id]
		}

		chunks = append(chunks, Chunk{
			ID:        id,
			Text:      n.Text,
			Source:    provenance(meta, refDoc),
			RefDocID:  refDoc,
			Metadata:  meta,
			Embedding: vecs.EmbeddingDict[id],
		})
	}
	return chunks, nil
}

func sourceRelation(n docNode) string {
	raw, ok := n.Relationships[relationSource]
	if !ok {
		return ""
	}
	var rel relatedNode
	if err := json.Unmarshal(raw, &rel); err != nil {
		return ""
	}
	return rel.NodeID
}

// provenance 取来源文档标识：优先元数据，其次原始文档 ID。
func provenance(meta map[string]any, refDoc string) string {
	for _, k := range sourceKeys {
		if v, ok := meta[k].(string); ok && strings.TrimSpace(v) != "" {
			if k == "file_path" {
				return filepath.Base(v)
			}
			return v
		}
	}
	return refDoc
}

func readIndexID(path string) string {
	var f indexStoreFile
	if err := readJSON(path, &f); err != nil {
		return ""
	}
	ids := make([]string, 0, len(f.Data))
	for id := range f.Data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// SaveDir 以 llama-index 布局写出 chunks，供测试数据与镜像工具使用。
// 文件先写入临时文件再原子替换。
func SaveDir(root, indexID string, chunks []Chunk) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create index root: %w", err)
	}

	docs := docStoreFile{
		Data:       make(map[string]docStoreEntry, len(chunks)),
		Metadata:   make(map[string]docStoreMeta, len(chunks)),
		RefDocInfo: make(map[string]refDocInfo),
	}
	vecs := vectorStoreFile{
		EmbeddingDict:    make(map[string][]float32, len(chunks)),
		TextIDToRefDocID: make(map[string]string, len(chunks)),
		MetadataDict:     make(map[string]map[string]any, len(chunks)),
	}

	for _, c := range chunks {
		meta := make(map[string]any, len(c.Metadata)+1)
		for k, v := range c.Metadata {
			meta[k] = v
		}
		if c.Source != "" {
			if _, ok := meta["file_name"]; !ok {
				meta["file_name"] = c.Source
			}
		}

		node := docNode{ID: c.ID, Text: c.Text, Metadata: meta, ClassName: "TextNode"}
		if c.RefDocID != "" {
			rel, err := json.Marshal(relatedNode{NodeID: c.RefDocID})
			if err != nil {
				return err
			}
			node.Relationships = map[string]json.RawMessage{relationSource: rel}

			info := docs.RefDocInfo[c.RefDocID]
			info.NodeIDs = append(info.NodeIDs, c.ID)
			docs.RefDocInfo[c.RefDocID] = info
		}
		docs.Data[c.ID] = docStoreEntry{Data: node, Type: "1"}
		docs.Metadata[c.ID] = docStoreMeta{RefDocID: c.RefDocID}

		vecs.EmbeddingDict[c.ID] = c.Embedding
		vecs.TextIDToRefDocID[c.ID] = c.RefDocID
		vecs.MetadataDict[c.ID] = meta
	}

	if err := writeJSON(filepath.Join(root, DocStoreFile), &docs); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(root, VectorStoreFile), &vecs); err != nil {
		return err
	}
	if indexID == "" {
		return nil
	}
	return writeJSON(filepath.Join(root, IndexStoreFile), &indexStoreFile{
		Data: map[string]indexStoreEntry{
			indexID: {Type: "vector_store", Data: fmt.Sprintf(`{"index_id": %q}`, indexID)},
		},
	})
}

func writeJSON(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
