package alta

import (
	"fmt"

	"github.com/blang/semver/v4"
)

const agentName = "att-fleet-go"

// agentVersion 为当前客户端版本，经 semver 校验后拼入 User-Agent。
var agentVersion = semver.MustParse("0.3.0")

// UserAgent 返回发往平台的 User-Agent 值，形如 "att-fleet-go/0.3.0"。
func UserAgent() string {
	return fmt.Sprintf("%s/%s", agentName, agentVersion.String())
}
