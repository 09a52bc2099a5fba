// Package fixtures 提供样例节点清单与 DDL。
package fixtures

import (
	"github.com/BaSui01/fleetrpc/filter"
)

// Nodes 返回一个小型舰队：两台 linux web 节点与一台 freebsd 数据库节点
func Nodes() []filter.Node {
	return []filter.Node{
		{
			Identity:    "web1",
			Collectives: []string{"fleet", "eu"},
			Agents:      []string{"discovery", "rpcutil", "package"},
			Classes:     []string{"role::web", "apache"},
			Facts:       map[string]string{"os": "linux", "country": "de", "memory_mb": "4096"},
		},
		{
			Identity:    "web2",
			Collectives: []string{"fleet"},
			Agents:      []string{"discovery", "rpcutil", "package"},
			Classes:     []string{"role::web", "nginx"},
			Facts:       map[string]string{"os": "linux", "country": "fr", "memory_mb": "8192"},
		},
		{
			Identity:    "db1",
			Collectives: []string{"fleet"},
			Agents:      []string{"discovery", "rpcutil"},
			Classes:     []string{"role::db"},
			Facts:       map[string]string{"os": "freebsd", "country": "de", "memory_mb": "32768"},
		},
	}
}

// Identities 返回 Nodes 的身份列表
func Identities() []string {
	nodes := Nodes()
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Identity
	}
	return out
}

// Node 按身份返回样例节点
func Node(identity string) (filter.Node, bool) {
	for _, n := range Nodes() {
		if n.Identity == identity {
			return n, true
		}
	}
	return filter.Node{}, false
}

// PackageDDL 是带输入校验、默认值与汇总的 agent DDL
const PackageDDL = `
metadata:
  name: package
  description: Manage operating system packages
  author: ops
  license: MIT
  version: "1.0"
  url: https://example.net/package
  timeout: 5
actions:
  install:
    description: Install a package
    display: failed
    input:
      package:
        prompt: Package
        description: Package name
        type: string
        validation: '^[a-z0-9\-]+$'
        maxlength: 64
      version:
        prompt: Version
        description: Version to install
        type: string
        optional: true
        default: latest
    output:
      status:
        description: Install status
        display_as: Status
        default: unknown
    aggregate:
      - function: summary
        args: [status]
  status:
    description: Report package status
    input:
      package:
        prompt: Package
        description: Package name
        type: string
        validation: '^[a-z0-9\-]+$'
    output:
      status:
        description: Install status
        display_as: Status
`

// FactsYAML 是嵌套的事实文件，加载后展开为 os.family 等键
const FactsYAML = `
os:
  family: linux
  release: "12"
country: de
roles: [web, cache]
`
