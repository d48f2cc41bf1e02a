package ledger

// EscrowABI is the subset of the escrow contract the gateway calls.
const EscrowABI = `[
  {
    "type": "function",
    "name": "createTask",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "taskId", "type": "bytes32", "internalType": "bytes32"},
      {"name": "totalAmount", "type": "uint256", "internalType": "uint256"},
      {"name": "requiredWorkers", "type": "uint32", "internalType": "uint32"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "fundTask",
    "stateMutability": "payable",
    "inputs": [
      {"name": "taskId", "type": "bytes32", "internalType": "bytes32"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "assignWorkers",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "taskId", "type": "bytes32", "internalType": "bytes32"},
      {"name": "workers", "type": "address[]", "internalType": "address[]"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "releaseBatchPayouts",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "taskId", "type": "bytes32", "internalType": "bytes32"},
      {"name": "workers", "type": "address[]", "internalType": "address[]"},
      {"name": "amounts", "type": "uint256[]", "internalType": "uint256[]"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "completeTask",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "taskId", "type": "bytes32", "internalType": "bytes32"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "cancelAndRefund",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "taskId", "type": "bytes32", "internalType": "bytes32"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "getTaskStatus",
    "stateMutability": "view",
    "inputs": [
      {"name": "taskId", "type": "bytes32", "internalType": "bytes32"}
    ],
    "outputs": [
      {"name": "", "type": "uint8", "internalType": "enum TaskEscrow.Status"}
    ]
  }
]`
