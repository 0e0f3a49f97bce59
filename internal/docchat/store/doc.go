// Package store 提供文档问答服务的索引存储层。
//
// 索引在进程外构建，启动时以只读方式加载一次，之后被所有会话并发共享。
// 支持两种查询后端：内存中的精确余弦检索，以及 Milvus 镜像集合。
package store
