package agent

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks github.com/Marcux777/kairos-alloy/internal/agent Client
