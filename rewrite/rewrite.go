// Package rewrite 改写服务发现响应中的 JSON 文档。
package rewrite

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrParse 表示 body 不是合法 JSON。
	ErrParse = errors.New("rewrite: body is not valid JSON")
	// ErrSchema 表示 JSON 缺少 serviceInfo.name / serviceInfo.hosts 或类型不符。
	ErrSchema = errors.New("rewrite: body does not match serviceInfo schema")
)

// serviceInfoSchema 只约束改写需要读写的字段，其余字段不做限制。
const serviceInfoSchema = `{
  "type": "object",
  "required": ["serviceInfo"],
  "properties": {
    "serviceInfo": {
      "type": "object",
      "required": ["name", "hosts"],
      "properties": {
        "name": {"type": "string"},
        "hosts": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["ip"],
            "properties": {"ip": {"type": "string"}}
          }
        }
      }
    }
  }
}`

var schema = mustSchema(serviceInfoSchema)

func mustSchema(s string) *gojsonschema.Schema {
	sc, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("rewrite: invalid built-in schema: %v", err))
	}
	return sc
}

// HostIPToServiceName 把 serviceInfo.hosts[*].ip 全部替换为 serviceInfo.name。
// hosts 顺序与其它字段保持不变；输出的对象 key 按字典序排列。
func HostIPToServiceName(text []byte) ([]byte, error) {
	doc, err := parse(text)
	if err != nil {
		return nil, err
	}

	info, hosts, err := lookup(doc)
	if err != nil {
		return nil, err
	}

	name := info["name"].(string)
	for _, h := range hosts {
		h.(map[string]any)["ip"] = name
	}

	return serialize(doc)
}

// parse 整体解析一次文档，数字保留原始文本。
func parse(text []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(text))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	// 文档之后不允许再出现任何 token。
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after document", ErrParse)
	}

	return doc, nil
}

func lookup(doc any) (map[string]any, []any, error) {
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, nil, fmt.Errorf("%w: %s", ErrSchema, strings.Join(msgs, "; "))
	}

	// 通过 schema 校验后类型断言必然成立，这里仍按 comma-ok 处理。
	root, ok := doc.(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("%w: document is not an object", ErrSchema)
	}
	info, ok := root["serviceInfo"].(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("%w: serviceInfo is not an object", ErrSchema)
	}
	if _, ok := info["name"].(string); !ok {
		return nil, nil, fmt.Errorf("%w: serviceInfo.name is not a string", ErrSchema)
	}
	hosts, ok := info["hosts"].([]any)
	if !ok {
		return nil, nil, fmt.Errorf("%w: serviceInfo.hosts is not an array", ErrSchema)
	}
	for i, h := range hosts {
		if _, ok := h.(map[string]any); !ok {
			return nil, nil, fmt.Errorf("%w: serviceInfo.hosts[%d] is not an object", ErrSchema, i)
		}
	}

	return info, hosts, nil
}

func serialize(doc any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	// nacos 的元数据里常见 & 与 <>，不做 HTML 转义。
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
