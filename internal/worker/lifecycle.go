package worker

// State 描述 Worker 生命周期阶段。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateRedundant  State = "redundant"
)

// Controlling 表示该状态下 Worker 是否接管 fetch。
func (s State) Controlling() bool {
	return s == StateInstalled
}
