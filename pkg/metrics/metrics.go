// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// fleetNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	fleetNamespace = "attfleet"

	// 以下为当前使用的通用标签名。
	instanceIDLabelName = "instance_id"
	methodLabelName     = "method"
	pathLabelName       = "path"
	reasonLabelName     = "reason"
)

var (
	// rpcBuckets 为请求耗时直方图的桶划分，单位为毫秒。
	rpcBuckets = prometheus.ExponentialBuckets(1, 2, 14)

	AccountSocketsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: fleetNamespace,
		Name:      "account_sockets_open",
		Help:      "当前处于打开状态的账号 WebSocket 数量",
	})

	AccountSocketMigrations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: fleetNamespace,
		Name:      "account_socket_migrations_total",
		Help:      "账号 WebSocket 迁移次数，按结果分类",
	}, []string{reasonLabelName})

	AccountSocketRecoveries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: fleetNamespace,
		Name:      "account_socket_recoveries_total",
		Help:      "账号 WebSocket 异常恢复次数",
	})

	AccountRPCDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: fleetNamespace,
		Name:      "account_rpc_duration_ms",
		Help:      "账号 WebSocket RPC 往返耗时，单位毫秒",
		Buckets:   rpcBuckets,
	}, []string{methodLabelName, pathLabelName})

	SubscriptionCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: fleetNamespace,
		Name:      "subscriptions",
		Help:      "每个账号 WebSocket 实例上的订阅数量",
	}, []string{instanceIDLabelName})

	ConsoleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: fleetNamespace,
		Name:      "console_connections",
		Help:      "当前打开的控制台连接数量",
	})

	ConsoleCommands = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: fleetNamespace,
		Name:      "console_commands_total",
		Help:      "通过控制台连接发出的命令总数",
	})

	ServerHeartbeatMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: fleetNamespace,
		Name:      "server_heartbeat_misses_total",
		Help:      "服务器心跳超时累计次数",
	})
)

var registerOnce sync.Once

// Register 将本包内所有指标注册到给定的 Registry。
// 重复调用只有第一次生效。
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(AccountSocketsOpen)
		r.MustRegister(AccountSocketMigrations)
		r.MustRegister(AccountSocketRecoveries)
		r.MustRegister(AccountRPCDuration)
		r.MustRegister(SubscriptionCount)
		r.MustRegister(ConsoleConnections)
		r.MustRegister(ConsoleCommands)
		r.MustRegister(ServerHeartbeatMisses)
	})
}
