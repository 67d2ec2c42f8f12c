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
	// pushNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	pushNamespace = "push"

	registrySubsystem = "registry"
	deliverySubsystem = "delivery"

	bucketLabelName = "bucket"
	opLabelName     = "op"
	targetLabelName = "target"
	resultLabelName = "result"
)

// 会话操作类型。
const (
	SessionOpAdd     = "add"
	SessionOpReplace = "replace"
	SessionOpDel     = "del"
	SessionOpRewire  = "rewire"
	SessionOpStale   = "stale"
)

// 投递目标与结果。
const (
	TargetUser = "user"
	TargetRoom = "room"

	ResultDelivered = "delivered"
	ResultOffline   = "offline"
	ResultError     = "error"
)

var (
	RegistrySessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: pushNamespace,
			Subsystem: registrySubsystem,
			Name:      "sessions",
			Help:      "当前分桶内在线会话数",
		}, []string{bucketLabelName})

	RegistryRooms = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: pushNamespace,
			Subsystem: registrySubsystem,
			Name:      "rooms",
			Help:      "当前分桶内存活的房间数",
		}, []string{bucketLabelName})

	RegistrySessionOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: pushNamespace,
			Subsystem: registrySubsystem,
			Name:      "session_ops_total",
			Help:      "会话注册、替换、删除、重绑房间以及过期断线通知的次数",
		}, []string{opLabelName})

	DeliveryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: pushNamespace,
			Subsystem: deliverySubsystem,
			Name:      "total",
			Help:      "按目标类型与结果统计的消息投递次数",
		}, []string{targetLabelName, resultLabelName})

	KeepAliveTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: pushNamespace,
			Subsystem: deliverySubsystem,
			Name:      "keepalive_total",
			Help:      "防空闲保活包的发送次数",
		}, []string{resultLabelName})

	registerOnce     sync.Once
	metricRegisterer prometheus.Registerer
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标，只在第一次调用时生效。
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(RegistrySessions)
		r.MustRegister(RegistryRooms)
		r.MustRegister(RegistrySessionOps)
		r.MustRegister(DeliveryTotal)
		r.MustRegister(KeepAliveTotal)
		metricRegisterer = r
	})
}
